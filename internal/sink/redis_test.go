package sink

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/syncengine"
)

// RedisSink must satisfy syncengine.Sink for registry.New to accept it.
var _ syncengine.Sink = (*RedisSink)(nil)

func TestPublishNeverPanicsOnUnmarshalableValue(t *testing.T) {
	s := &RedisSink{log: zerolog.Nop()}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("publish panicked: %v", r)
		}
	}()
	// rdb is nil and ctx is nil; publish must fail at json.Marshal for a
	// channel type (unsupported by encoding/json) before ever touching
	// the Redis client, so this never reaches a nil-pointer dereference.
	s.publish("live_components:ops:test", make(chan int))
}
