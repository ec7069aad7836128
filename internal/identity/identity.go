// Package identity generates and validates the deterministic IDs the
// runtime uses to address component mounts: component_id, instance_id,
// fingerprint, and hierarchy paths.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrCyclicHierarchy is returned when a parent_id walk exceeds the
// maximum allowed depth without reaching a root.
var ErrCyclicHierarchy = errors.New("identity: cyclic hierarchy")

// MaxHierarchyDepth bounds the parent_id walk used to compute Depth.
const MaxHierarchyDepth = 100

var componentIDPattern = regexp.MustCompile(
	`^([a-z0-9.-]+\.)?[A-Za-z][A-Za-z0-9]*-[a-z0-9]+-[a-z0-9]+(-[a-z0-9]+)*$`,
)

// MountKey is the canonical input to component_id generation: a type
// name, its mount-time props, and an optional parent.
type MountKey struct {
	Type     string
	Props    map[string]any
	ParentID string
}

// canonicalJSON renders v as JSON with map keys sorted, so that the same
// logical props always hash to the same bytes regardless of map
// iteration order.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize walks a decoded JSON-like value, rebuilding map[string]any
// and []any values recursively and passing every other value through
// unchanged. Key order in the canonical output comes from encoding/json,
// which sorts map[string]any keys on Marshal.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

func fnv1aHash36(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return strconv.FormatUint(h.Sum64(), 36)
}

// ComponentID computes the deterministic mount identity per spec §4.1:
// [parent_path.]<type_lowercase>-<hash36>-<ts36>. mountedAt should be the
// server's mount wall-clock time.
func ComponentID(key MountKey, mountedAt time.Time) (string, error) {
	payload := map[string]any{
		"type":  key.Type,
		"props": key.Props,
	}
	if key.ParentID != "" {
		payload["parent_id"] = key.ParentID
	}
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("identity: canonicalize mount key: %w", err)
	}

	hash36 := fnv1aHash36(canon)
	ts36 := strconv.FormatInt(mountedAt.UnixNano(), 36)
	typeLower := strings.ToLower(key.Type)

	id := fmt.Sprintf("%s-%s-%s", typeLower, hash36, ts36)
	if key.ParentID != "" {
		id = parentPathOf(key.ParentID) + "." + id
	}
	return id, nil
}

// parentPathOf extracts the dot-joined type path prefix from a parent's
// component_id so a child's id can be prefixed with it, per the
// `path`-structured nesting rule.
func parentPathOf(parentID string) string {
	// The parent's own path prefix (if any) plus its own type segment.
	idx := strings.LastIndex(parentID, ".")
	typeSegment := parentID
	prefix := ""
	if idx >= 0 {
		prefix = parentID[:idx+1]
		typeSegment = parentID[idx+1:]
	}
	dashIdx := strings.Index(typeSegment, "-")
	if dashIdx < 0 {
		return prefix + typeSegment
	}
	return prefix + typeSegment[:dashIdx]
}

// Disambiguate appends a disambiguator suffix when a freshly computed
// component_id collides with a live, non-rebindable instance.
func Disambiguate(componentID string, n int) string {
	return fmt.Sprintf("%s-%s", componentID, fnv1aHash36([]byte(strconv.Itoa(n))))
}

// InstanceID generates a fresh, never-reused runtime identifier for a
// concrete mount. Unlike component_id it carries no semantic meaning and
// is not reconstructible from (type, props, parent).
func InstanceID() string {
	return uuid.NewString()
}

// Fingerprint hashes (type, props, initial_state) for hydration
// validation on rebind — distinct from component_id's hash, which
// excludes initial_state so that a rebind can be recognized even before
// the state is recomputed.
func Fingerprint(componentType string, props map[string]any, initialState any) (string, error) {
	payload := map[string]any{
		"type":          componentType,
		"props":         props,
		"initial_state": initialState,
	}
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("identity: canonicalize fingerprint: %w", err)
	}
	return fnv1aHash36(canon), nil
}

// DefaultFingerprintCacheSize bounds the hydration cache below, so a
// runtime with many distinct component types doesn't grow it unbounded.
const DefaultFingerprintCacheSize = 4096

// FingerprintCache bounds repeat hydration-fingerprint computation per
// component_id; the registry fills it on fresh mounts. Keying on component_id
// alone is sound here: component_id is itself a hash of (type, props,
// parent_id), so a cache hit already implies the same type and props that
// produced the cached fingerprint.
type FingerprintCache struct {
	cache *lru.Cache[string, string]
}

// NewFingerprintCache builds a FingerprintCache holding at most size
// entries, evicting least-recently-used component_ids once full. size<=0
// falls back to DefaultFingerprintCacheSize.
func NewFingerprintCache(size int) *FingerprintCache {
	if size <= 0 {
		size = DefaultFingerprintCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only fails for size<=0, which is excluded above.
		panic(err)
	}
	return &FingerprintCache{cache: c}
}

// Compute returns the fingerprint for componentID, serving a cached value
// when one exists and computing (then caching) it otherwise.
func (f *FingerprintCache) Compute(componentID, componentType string, props map[string]any, initialState any) (string, error) {
	if cached, ok := f.cache.Get(componentID); ok {
		return cached, nil
	}
	fp, err := Fingerprint(componentType, props, initialState)
	if err != nil {
		return "", err
	}
	f.cache.Add(componentID, fp)
	return fp, nil
}

// Forget evicts componentID's cached fingerprint, called once it's
// unmounted so a later, unrelated reuse of the same component_id (a new
// mount after a full teardown) never serves a stale value.
func (f *FingerprintCache) Forget(componentID string) {
	f.cache.Remove(componentID)
}

// ValidComponentID reports whether id matches the component_id grammar.
func ValidComponentID(id string) bool {
	return componentIDPattern.MatchString(id)
}

// ParentLookup resolves the parent_id of a component_id, if any.
type ParentLookup func(componentID string) (parentID string, ok bool)

// Depth walks parent_id links via lookup until it reaches a root
// (ok == false), returning the number of hops. A walk exceeding
// MaxHierarchyDepth indicates a cycle and returns ErrCyclicHierarchy.
func Depth(componentID string, lookup ParentLookup) (int, error) {
	seen := make(map[string]bool, MaxHierarchyDepth)
	depth := 0
	current := componentID
	for {
		if seen[current] {
			return 0, ErrCyclicHierarchy
		}
		seen[current] = true

		parent, ok := lookup(current)
		if !ok {
			return depth, nil
		}
		depth++
		if depth > MaxHierarchyDepth {
			return 0, ErrCyclicHierarchy
		}
		current = parent
	}
}
