package cache

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// CacheKey identifies a cached API response.
type CacheKey struct {
	// Endpoint is the API endpoint path (e.g., "catalog/officers/merged")
	Endpoint string

	// Params are the query parameters. Nil and empty values are ignored.
	Params map[string]any
}

// String generates a deterministic cache key string.
// Format: endpoint segments joined by ":" followed by sorted query params.
//
// Example:
//
//	catalog:officers:merged?q=kirk&rarity=epic
func (k CacheKey) String() string {
	endpoint := strings.Trim(k.Endpoint, "/")
	endpoint = strings.ReplaceAll(endpoint, "/", ":")

	if len(k.Params) == 0 {
		return endpoint
	}

	names := make([]string, 0, len(k.Params))
	values := make(map[string]string, len(k.Params))
	for name, v := range k.Params {
		s, ok := paramString(v)
		if !ok {
			continue
		}
		names = append(names, name)
		values[name] = s
	}
	if len(names) == 0 {
		return endpoint
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(values[name]))
	}

	return endpoint + "?" + strings.Join(parts, "&")
}

// Key is shorthand for CacheKey{Endpoint: endpoint, Params: params}.String().
func Key(endpoint string, params map[string]any) string {
	return CacheKey{Endpoint: endpoint, Params: params}.String()
}

// paramString renders a parameter value, reporting false for values that
// must be left out of the key (nil, nil pointers, empty strings).
func paramString(v any) (string, bool) {
	if v == nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, val != ""
	case []string:
		joined := strings.Join(val, ",")
		return joined, joined != ""
	case fmt.Stringer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", false
		}
		s := val.String()
		return s, s != ""
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		return paramString(rv.Elem().Interface())
	}

	s := fmt.Sprint(v)
	return s, s != ""
}
