// Package sink implements the optional pluggable durable/broadcast sink
// (spec.md §3, §6 `redis: {...}`): a best-effort Redis-backed recorder
// for committed state operations and resolved conflicts, satisfying
// syncengine.Sink. A Sink failure never blocks a commit.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/config"
	"github.com/systemsim/live-components/internal/model"
)

// RedisSink publishes committed operations and resolved conflicts onto
// per-component Redis pub/sub channels, so other processes (a debug
// tailer, a durable log consumer) can observe the runtime without being
// wired into its in-process broadcast path.
type RedisSink struct {
	rdb *redis.Client
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New dials Redis and verifies connectivity with a bounded backoff
// retry, mirroring the teacher's Redis client's "test connection, then
// hand back a ready client" construction style.
func New(cfg config.RedisConfig, log zerolog.Logger) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(ping, bo); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.Info().Str("addr", cfg.Address).Msg("sink connected to redis")
	return &RedisSink{rdb: rdb, log: log, ctx: ctx, cancel: cancel}, nil
}

// RecordOperation implements syncengine.Sink.
func (s *RedisSink) RecordOperation(componentID string, op model.StateOperation) {
	s.publish("live_components:ops:"+componentID, op)
}

// RecordConflict implements syncengine.Sink.
func (s *RedisSink) RecordConflict(conflict model.Conflict) {
	s.publish("live_components:conflicts:"+conflict.ComponentID, conflict)
}

func (s *RedisSink) publish(channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("sink marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		// Best-effort: a publish failure is logged, never propagated to
		// the caller's commit path (spec.md §3 "Sink failure never
		// blocks a commit").
		s.log.Warn().Err(err).Str("channel", channel).Msg("sink publish failed")
	}
}

// Close releases the underlying Redis connection pool.
func (s *RedisSink) Close() error {
	s.cancel()
	return s.rdb.Close()
}
