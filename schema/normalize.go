package schema

import (
	"net/url"
	"sort"
	"strings"
)

// StorageKeyPrefix prefixes every persisted scroll offset.
const StorageKeyPrefix = "scroll-position:"

// NavigationKey identifies a revisitable location: path plus normalized query.
type NavigationKey string

// NewNavigationKey builds a key from a path and raw query. Query parameters are
// re-encoded with their names sorted so equivalent URLs share a key. Queries
// that do not parse as form values (";" separators, bad escapes) keep their raw
// "&"-separated pairs, sorted as strings.
func NewNavigationKey(path, rawQuery string) (NavigationKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "", ErrInvalidKey
	}
	rawQuery = strings.TrimPrefix(strings.TrimSpace(rawQuery), "?")
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return NavigationKey(path + "?" + sortedRawQuery(rawQuery)), nil
	}
	return NavigationKey(path + "?" + values.Encode()), nil
}

func sortedRawQuery(rawQuery string) string {
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair != "" {
			kept = append(kept, pair)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// KeyFromURL builds the key for a location.
func KeyFromURL(u *url.URL) (NavigationKey, error) {
	if u == nil {
		return "", ErrInvalidKey
	}
	return NewNavigationKey(u.Path, u.RawQuery)
}

// StorageKey returns the session storage key.
func (k NavigationKey) StorageKey() string {
	return StorageKeyPrefix + string(k)
}

func (k NavigationKey) String() string {
	return string(k)
}
