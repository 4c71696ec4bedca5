package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/dedupe"
	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/partial"
)

// PartialProducer fetches exactly the given sub-keys. Sub-keys it could not
// fetch should come back as partial.Retry or be left out.
type PartialProducer[V any] func(ctx context.Context, keys []string) (partial.Payload[V], error)

func refreshKey(key string, missing []string) string {
	return "partial:" + key + "|" + strings.Join(missing, ",")
}

// FetchOrComputePartial is FetchOrCompute for payloads made of independently
// retriable sub-results.
//
// A cached payload whose requested keys all hold values is returned as a
// hit. Otherwise producer is called for only the Missing/Pending keys and
// its result is merged into the latest cached payload, so values already
// held are never lost. If that scoped refresh fails transiently the cached
// payload is returned as HIT-FALLBACK; any other failure returns the cached
// payload together with the error.
func FetchOrComputePartial[V any](ctx context.Context, o *Orchestrator, key, category string, ttl time.Duration, keys []string, producer PartialProducer[V], opts ...CallOption) (partial.Payload[V], Provenance, error) {
	co := o.resolve(opts)

	ctx, span := o.tracer.Start(ctx, "orchestrator.FetchOrComputePartial", trace.WithAttributes(
		attribute.String("cache.key", key),
		attribute.String("cache.category", category),
		attribute.Bool("cache.bypass", co.bypass),
		attribute.StringSlice("partial.keys", keys),
	))
	defer span.End()

	var (
		prev  partial.Payload[V]
		prov  Provenance
		stale *cache.Entry
	)
	if !co.bypass {
		p, seen, ok := o.read(ctx, key, co, decodePartialInto(&prev))
		if ok {
			prov = p
		}
		stale = seen
	}

	if prev == nil {
		return fullPartial(ctx, span, o, key, category, ttl, keys, producer, co, stale)
	}

	if prev.Complete(keys...) {
		o.record(ctx, key, category, prov)
		span.SetAttributes(attribute.String("cache.provenance", string(prov)))
		return prev, prov, nil
	}

	missing := prev.RetryKeys(keys...)
	span.SetAttributes(attribute.StringSlice("partial.retry", missing))
	o.logger.Debug().Str("key", key).Strs("retry", missing).Msg("refreshing partial payload")

	merged, err := dedupe.Dedupe(ctx, o.dedupe, refreshKey(key, missing), func(ctx context.Context) (partial.Payload[V], error) {
		refresh, err := producer(ctx, missing)
		if err != nil {
			return nil, err
		}
		return mergeAndStore(ctx, o, key, category, ttl, co, prev, refresh), nil
	})
	if err == nil {
		o.record(ctx, key, category, Miss)
		span.SetAttributes(attribute.String("cache.provenance", string(Miss)))
		return merged, Miss, nil
	}

	if errs.IsTransient(err) {
		o.logger.Warn().Err(err).Str("key", key).Strs("retry", missing).Msg("partial refresh failed, serving cached payload")
		o.record(ctx, key, category, HitFallback)
		span.SetAttributes(attribute.String("cache.provenance", string(HitFallback)))
		return prev, HitFallback, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errs.KindOf(err)))
	return prev, prov, err
}

func fullPartial[V any](ctx context.Context, span trace.Span, o *Orchestrator, key, category string, ttl time.Duration, keys []string, producer PartialProducer[V], co callOptions, stale *cache.Entry) (partial.Payload[V], Provenance, error) {
	want := append([]string(nil), keys...)
	sort.Strings(want)

	p, err := dedupe.Dedupe(ctx, o.dedupe, DedupeKey(key), func(ctx context.Context) (partial.Payload[V], error) {
		p, err := producer(ctx, want)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = partial.New[V](want...)
		}
		return mergeAndStore(ctx, o, key, category, ttl, co, nil, p), nil
	})
	if err == nil {
		o.record(ctx, key, category, Miss)
		span.SetAttributes(attribute.String("cache.provenance", string(Miss)))
		return p, Miss, nil
	}

	if errs.IsTransient(err) {
		if e := o.fallback(ctx, key, co, stale, !co.bypass); e != nil {
			if old, derr := partial.Decode[V](e.Body); derr == nil {
				o.logger.Warn().Err(err).Str("key", key).Time("fetched_at", e.FetchedAt).Msg("serving stale partial payload")
				o.record(ctx, key, category, HitFallback)
				span.SetAttributes(attribute.String("cache.provenance", string(HitFallback)))
				return old, HitFallback, nil
			}
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errs.KindOf(err)))
	return nil, "", err
}

// mergeAndStore merges p into the newest valid payload cached for key, or
// into base when neither tier holds one, and writes the result through. The
// re-read and the write happen under the key's lock so concurrent refreshes
// of different sub-keys cannot overwrite each other's values.
func mergeAndStore[V any](ctx context.Context, o *Orchestrator, key, category string, ttl time.Duration, co callOptions, base, p partial.Payload[V]) partial.Payload[V] {
	unlock := o.merges.lock(key)
	defer unlock()

	var latest partial.Payload[V]
	if _, _, ok := o.read(ctx, key, co, decodePartialInto(&latest)); ok {
		base = latest
	}
	merged := p
	if base != nil {
		merged = partial.Merge(base, p)
	}
	o.writeThrough(ctx, key, category, merged, ttl)
	return merged
}

func decodePartialInto[V any](dst *partial.Payload[V]) func([]byte) error {
	return func(b []byte) error {
		p, err := partial.Decode[V](b)
		if err != nil {
			return err
		}
		*dst = p
		return nil
	}
}
