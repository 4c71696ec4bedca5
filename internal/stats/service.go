// Package stats serves provider data through the cache orchestrator. It is
// the entry point used by the HTTP routes, the CLI and the warm workers.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/statcache/fetch"
	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/jobs"
	"github.com/briangreenhill/statcache/orchestrator"
	"github.com/briangreenhill/statcache/partial"
	"github.com/briangreenhill/statcache/plugins"
)

// fieldConcurrency bounds parallel sub-result fetches for one partial entity
const fieldConcurrency = 4

// Result is a provider response as seen by callers
type Result struct {
	Key        string                  `json:"key"`
	Provenance orchestrator.Provenance `json:"provenance"`
	Data       json.RawMessage         `json:"data"`
	// Retry lists sub-results of a partial entity that are still missing
	Retry []string `json:"retry,omitempty"`
}

type Service struct {
	registry *plugins.Registry
	client   *fetch.Client
	orch     *orchestrator.Orchestrator
	logger   zerolog.Logger
}

func New(registry *plugins.Registry, client *fetch.Client, orch *orchestrator.Orchestrator, logger zerolog.Logger) *Service {
	return &Service{registry: registry, client: client, orch: orch, logger: logger}
}

// Resolve maps a request onto its source
func (s *Service) Resolve(source, entity string, params map[string]string) (plugins.Request, error) {
	src, ok := s.registry.Get(source)
	if !ok {
		return plugins.Request{}, errs.Validation("stats", fmt.Sprintf("unknown source %q", source))
	}
	return src.Resolve(entity, params)
}

// Get returns entity data from source, through the cache unless bypass is set
func (s *Service) Get(ctx context.Context, source, entity string, params map[string]string, bypass bool) (Result, error) {
	req, err := s.Resolve(source, entity, params)
	if err != nil {
		return Result{}, err
	}
	if req.Partial() {
		return s.getPartial(ctx, req, bypass)
	}

	body, prov, err := orchestrator.FetchOrCompute(ctx, s.orch, req.Key, req.Category, req.TTL,
		func(ctx context.Context) (json.RawMessage, error) {
			return s.client.Call(ctx, req.URL, req.Fetch)
		},
		orchestrator.WithBypass(bypass),
	)
	if err != nil {
		return Result{Key: req.Key}, err
	}
	return Result{Key: req.Key, Provenance: prov, Data: body}, nil
}

func (s *Service) getPartial(ctx context.Context, req plugins.Request, bypass bool) (Result, error) {
	fields := req.Fields()
	payload, prov, err := orchestrator.FetchOrComputePartial(ctx, s.orch, req.Key, req.Category, req.TTL, fields,
		func(ctx context.Context, keys []string) (partial.Payload[json.RawMessage], error) {
			return s.fetchFields(ctx, req, keys)
		},
		orchestrator.WithBypass(bypass),
	)
	res := Result{Key: req.Key, Provenance: prov}
	if payload != nil {
		data, merr := json.Marshal(payload.Values())
		if merr != nil {
			return res, fmt.Errorf("encode %s: %w", req.Key, merr)
		}
		res.Data = data
		res.Retry = payload.RetryKeys(fields...)
	}
	return res, err
}

// fetchFields fetches each sub-result independently. A failed sub-result
// becomes Pending; only when every one fails is the call an error.
func (s *Service) fetchFields(ctx context.Context, req plugins.Request, keys []string) (partial.Payload[json.RawMessage], error) {
	var (
		mu       sync.Mutex
		out      = make(partial.Payload[json.RawMessage], len(keys))
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(fieldConcurrency)
	for _, k := range keys {
		g.Go(func() error {
			body, err := s.client.Call(ctx, req.FieldURLs[k], req.Fetch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Str("key", req.Key).Str("field", k).Msg("sub-result fetch failed")
				out[k] = partial.Retry[json.RawMessage]()
				failures = append(failures, err)
				return nil
			}
			out[k] = partial.Of(body)
			return nil
		})
	}
	_ = g.Wait()

	if len(keys) > 0 && len(failures) == len(keys) {
		return nil, failures[0]
	}
	return out, nil
}

// Warm pulls one request into the cache. Already cached entries are left
// alone.
func (s *Service) Warm(ctx context.Context, p jobs.WarmCachePayload) error {
	res, err := s.Get(ctx, p.Source, p.Entity, p.Params, false)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("key", res.Key).Str("provenance", string(res.Provenance)).Msg("warmed")
	return nil
}

// Prefetch validates the request and queues it for background warming
func (s *Service) Prefetch(ctx context.Context, source, entity string, params map[string]string) (string, error) {
	req, err := s.Resolve(source, entity, params)
	if err != nil {
		return "", err
	}
	return req.Key, s.orch.Prefetch(ctx, jobs.WarmCachePayload{Source: source, Entity: entity, Params: params})
}

func (s *Service) Invalidate(ctx context.Context, key string) error {
	return s.orch.Invalidate(ctx, key)
}

func (s *Service) Inspect(ctx context.Context, key string) orchestrator.Snapshot {
	return s.orch.Inspect(ctx, key)
}

// Sources lists the registered source names
func (s *Service) Sources() []string {
	return s.registry.List()
}
