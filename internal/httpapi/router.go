// Package httpapi implements the runtime's optional debug/metrics HTTP
// listener (spec.md §6): health checks, Prometheus scraping, and a
// single-instance debug snapshot endpoint. It never serves the
// WebSocket upgrade itself — that is the Connection Multiplexer's job.
package httpapi

import (
	"net/http"
	"regexp"
)

// route is a single registered HTTP endpoint.
type route struct {
	method  string
	pattern *regexp.Regexp
	handler http.HandlerFunc
}

// Router is a minimal regex-path HTTP router: just enough to support
// the handful of fixed and single-parameter debug routes this surface
// needs, without pulling in a full third-party mux for it.
type Router struct {
	routes []route
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// GET registers a GET route. pattern is an anchored regexp; named
// groups become path parameters retrievable via PathParam.
func (rt *Router) GET(pattern string, handler http.HandlerFunc) {
	rt.routes = append(rt.routes, route{method: http.MethodGet, pattern: regexp.MustCompile("^" + pattern + "$"), handler: handler})
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rte := range rt.routes {
		if rte.method != r.Method {
			continue
		}
		matches := rte.pattern.FindStringSubmatch(r.URL.Path)
		if matches == nil {
			continue
		}
		if names := rte.pattern.SubexpNames(); len(names) > 1 {
			q := r.URL.Query()
			for i, name := range names {
				if i == 0 || name == "" {
					continue
				}
				q.Set("_path_"+name, matches[i])
			}
			r.URL.RawQuery = q.Encode()
		}
		rte.handler(w, r)
		return
	}
	http.NotFound(w, r)
}

// PathParam retrieves a named path parameter captured by ServeHTTP.
func PathParam(r *http.Request, name string) string {
	return r.URL.Query().Get("_path_" + name)
}
