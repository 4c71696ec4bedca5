package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/dedupe"
	"github.com/briangreenhill/statcache/internal/errs"
)

// FetchOrCompute returns the cached value for key or computes it.
//
// Unless bypassed, a valid shared entry wins over a valid local one. On a
// full miss producer runs once per key across concurrent callers, and its
// result is written to both tiers before any caller sees it. When producer
// fails transiently and either tier still holds an expired entry, that
// entry is returned as HIT-FALLBACK with a nil error. Other failures are
// returned as is.
func FetchOrCompute[T any](ctx context.Context, o *Orchestrator, key, category string, ttl time.Duration, producer func(ctx context.Context) (T, error), opts ...CallOption) (T, Provenance, error) {
	var zero T
	co := o.resolve(opts)

	ctx, span := o.tracer.Start(ctx, "orchestrator.FetchOrCompute", trace.WithAttributes(
		attribute.String("cache.key", key),
		attribute.String("cache.category", category),
		attribute.Bool("cache.bypass", co.bypass),
	))
	defer span.End()

	var hit T
	decode := func(b []byte) error {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		hit = v
		return nil
	}

	var stale *cache.Entry
	if !co.bypass {
		prov, seen, ok := o.read(ctx, key, co, decode)
		if ok {
			o.record(ctx, key, category, prov)
			span.SetAttributes(attribute.String("cache.provenance", string(prov)))
			return hit, prov, nil
		}
		stale = seen
	}

	v, err := dedupe.Dedupe(ctx, o.dedupe, DedupeKey(key), func(ctx context.Context) (T, error) {
		v, err := producer(ctx)
		if err != nil {
			return v, err
		}
		o.writeThrough(ctx, key, category, v, ttl)
		return v, nil
	})
	if err == nil {
		o.record(ctx, key, category, Miss)
		span.SetAttributes(attribute.String("cache.provenance", string(Miss)))
		return v, Miss, nil
	}

	if errs.IsTransient(err) {
		if e := o.fallback(ctx, key, co, stale, !co.bypass); e != nil && decode(e.Body) == nil {
			o.logger.Warn().Err(err).Str("key", key).Time("fetched_at", e.FetchedAt).Msg("serving stale value")
			o.record(ctx, key, category, HitFallback)
			span.SetAttributes(attribute.String("cache.provenance", string(HitFallback)))
			return hit, HitFallback, nil
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(errs.KindOf(err)))
	return zero, "", err
}
