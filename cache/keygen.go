package cache

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// maxKeyLen bounds key length; longer keys keep their domain and entity and
// hash the rest.
const maxKeyLen = 200

// KeyFor builds a cache key following <domain>_<entity>_<discriminators...>.
// Identical inputs always produce the same key, so logically identical
// requests collapse onto the same cache entry and dedupe ticket.
func KeyFor(domain, entity string, discriminators ...string) string {
	parts := make([]string, 0, len(discriminators)+2)
	parts = append(parts, sanitize(domain), sanitize(entity))
	for _, d := range discriminators {
		if d == "" {
			continue
		}
		parts = append(parts, sanitize(d))
	}
	return shorten(strings.Join(parts, "_"), parts[0]+"_"+parts[1])
}

// KeyForParams is KeyFor with discriminators taken from a parameter map,
// sorted by name so map iteration order never changes the key. Parameters
// that sanitize would alter get a hash of the exact request appended, so two
// requests only share a key when they send the same parameters.
func KeyForParams(domain, entity string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	exact := clean(domain) && clean(entity)
	discriminators := make([]string, 0, len(names))
	for _, k := range names {
		v := params[k]
		// the first '-' splits name from value, so names must not hold one
		exact = exact && clean(k) && !strings.Contains(k, "-") && clean(v)
		discriminators = append(discriminators, k+"-"+v)
	}
	if !exact {
		canonical := url.Values{"domain": {domain}, "entity": {entity}}
		for _, k := range names {
			canonical.Set("p."+k, params[k])
		}
		discriminators = append(discriminators, fmt.Sprintf("h%x", md5.Sum([]byte(canonical.Encode()))))
	}
	return KeyFor(domain, entity, discriminators...)
}

func clean(s string) bool {
	return s != "" && sanitize(s) == s
}

func shorten(key, prefix string) string {
	if len(key) <= maxKeyLen {
		return key
	}
	hash := md5.Sum([]byte(key))
	return fmt.Sprintf("%s_h%x", prefix, hash)
}

// sanitize lowercases and replaces characters that would make keys ambiguous
// or unsafe in backends (separators, whitespace, query syntax)
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
