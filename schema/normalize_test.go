package schema

import (
	"errors"
	"net/url"
	"testing"
)

func TestNewNavigationKeySortsQuery(t *testing.T) {
	a, err := NewNavigationKey("/products", "sort=price&category=shoes")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	b, err := NewNavigationKey("/products", "?category=shoes&sort=price")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if a != "/products?category=shoes&sort=price" {
		t.Fatalf("unexpected key %q", a)
	}
	if a.StorageKey() != "scroll-position:/products?category=shoes&sort=price" {
		t.Fatalf("unexpected storage key %q", a.StorageKey())
	}
}

func TestNewNavigationKeyDefaults(t *testing.T) {
	key, err := NewNavigationKey("", "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "/?" {
		t.Fatalf("expected root key, got %q", key)
	}
	if _, err := NewNavigationKey("products", ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key for relative path, got %v", err)
	}
}

func TestNewNavigationKeyKeepsUnparsableQuery(t *testing.T) {
	cases := []struct {
		query string
		want  NavigationKey
	}{
		{"page=2;cat=1", "/list?page=2;cat=1"},
		{"q=%zz&a=1", "/list?a=1&q=%zz"},
		{"b=%zz&&a=1", "/list?a=1&b=%zz"},
	}
	for _, tc := range cases {
		key, err := NewNavigationKey("/list", tc.query)
		if err != nil {
			t.Fatalf("%q: %v", tc.query, err)
		}
		if key != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.query, tc.want, key)
		}
	}
	a, _ := NewNavigationKey("/list", "q=%zz&a=1")
	b, _ := NewNavigationKey("/list", "a=1&q=%zz")
	if a != b {
		t.Fatalf("expected order-independent keys, got %q and %q", a, b)
	}
}

func TestKeyFromURL(t *testing.T) {
	u, _ := url.Parse("https://shop.example/cart?b=2&a=1#top")
	key, err := KeyFromURL(u)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "/cart?a=1&b=2" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, err := KeyFromURL(nil); err == nil {
		t.Fatalf("expected error for nil url")
	}
}

func TestAnchorInternal(t *testing.T) {
	origin, _ := url.Parse("https://shop.example/products")
	cases := []struct {
		name   string
		anchor Anchor
		want   bool
	}{
		{"relative", Anchor{Href: "/products/1"}, true},
		{"self", Anchor{Href: "/cart", Target: "_self"}, true},
		{"absolute same origin", Anchor{Href: "https://shop.example/x"}, true},
		{"new tab", Anchor{Href: "/cart", Target: "_blank"}, false},
		{"download", Anchor{Href: "/invoice.pdf", Download: true}, false},
		{"external", Anchor{Href: "https://other.example/"}, false},
		{"empty", Anchor{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.anchor.Internal(origin); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
