package plugins

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/fetch"
	"github.com/briangreenhill/statcache/internal/errs"
)

const DefaultTTL = 5 * time.Minute

// Entity describes one endpoint of an HTTP source
type Entity struct {
	Path     string        // defaults to the entity name
	Category string        // defaults to the entity name
	TTL      time.Duration // defaults to the source TTL
	Required []string      // query parameters that must be present
	Fields   []string      // non-empty makes the entity partial: <path>/<field> per sub-result
}

// HTTPSource is a JSON-over-HTTP provider laid out as
// <base>/<entity path>?<params>
type HTTPSource struct {
	name     string
	base     *url.URL
	entities map[string]Entity
	ttl      time.Duration
	fetch    fetch.Options
	open     bool
}

type HTTPOption func(*HTTPSource)

// WithEntity declares an entity. Once any entity is declared, undeclared
// entities are rejected.
func WithEntity(name string, e Entity) HTTPOption {
	return func(s *HTTPSource) { s.entities[name] = e }
}

// WithOpenEntities accepts undeclared entities alongside declared ones
func WithOpenEntities() HTTPOption {
	return func(s *HTTPSource) { s.open = true }
}

func WithDefaultTTL(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithFetchOptions(o fetch.Options) HTTPOption {
	return func(s *HTTPSource) { s.fetch = o }
}

func NewHTTPSource(name, baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("source name required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url for %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url for %s must be http(s), got %q", name, baseURL)
	}
	s := &HTTPSource{
		name:     name,
		base:     u,
		entities: make(map[string]Entity),
		ttl:      DefaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Resolve(entity string, params map[string]string) (Request, error) {
	op := "resolve " + s.name
	if entity == "" || strings.ContainsAny(entity, "/?#") {
		return Request{}, errs.Validation(op, fmt.Sprintf("invalid entity %q", entity))
	}

	e, ok := s.entities[entity]
	if !ok {
		if len(s.entities) > 0 && !s.open {
			return Request{}, errs.Validation(op, fmt.Sprintf("unknown entity %q", entity))
		}
		e = Entity{}
	}
	for _, p := range e.Required {
		if params[p] == "" {
			return Request{}, errs.Validation(op, fmt.Sprintf("%s requires parameter %q", entity, p))
		}
	}
	if e.Path == "" {
		e.Path = entity
	}
	if e.Category == "" {
		e.Category = entity
	}
	if e.TTL <= 0 {
		e.TTL = s.ttl
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}

	r := Request{
		Source:   s.name,
		Entity:   entity,
		Key:      cache.KeyForParams(s.name, entity, params),
		Category: e.Category,
		TTL:      e.TTL,
		URL:      s.url(q, e.Path),
		Fetch:    s.fetch,
	}
	if len(e.Fields) > 0 {
		r.FieldURLs = make(map[string]string, len(e.Fields))
		for _, f := range e.Fields {
			r.FieldURLs[f] = s.url(q, e.Path, f)
		}
	}
	return r, nil
}

func (s *HTTPSource) url(q url.Values, elems ...string) string {
	u := *s.base
	u.Path = path.Join(append([]string{"/", u.Path}, elems...)...)
	u.RawQuery = q.Encode()
	return u.String()
}
