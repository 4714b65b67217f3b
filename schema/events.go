package schema

import "net/url"

// EventType identifies a browser lifecycle event.
type EventType string

const (
	// EventRouteEnter fires after the router committed a new location.
	EventRouteEnter EventType = "routeenter"
	// EventScroll fires on every window scroll.
	EventScroll EventType = "scroll"
	// EventVisibility fires on visibilitychange.
	EventVisibility EventType = "visibilitychange"
	// EventPageHide fires on pagehide.
	EventPageHide EventType = "pagehide"
	// EventBeforeUnload fires on beforeunload.
	EventBeforeUnload EventType = "beforeunload"
	// EventPopState fires on back/forward navigation.
	EventPopState EventType = "popstate"
	// EventPointerDown fires on pointerdown over an anchor.
	EventPointerDown EventType = "pointerdown"
)

// Anchor describes the link under a pointerdown.
type Anchor struct {
	Href     string `json:"href"`
	Target   string `json:"target,omitempty"`
	Download bool   `json:"download,omitempty"`
}

// BrowserEvent is a single event delivered to the lifecycle binder.
type BrowserEvent struct {
	Type     EventType
	Location *url.URL
	Hidden   bool
	Anchor   *Anchor
}

// Internal reports whether the anchor navigates within the tab on the given origin.
func (a Anchor) Internal(origin *url.URL) bool {
	if a.Target != "" && a.Target != "_self" {
		return false
	}
	if a.Download || a.Href == "" || origin == nil {
		return false
	}
	ref, err := url.Parse(a.Href)
	if err != nil {
		return false
	}
	resolved := origin.ResolveReference(ref)
	return resolved.Scheme == origin.Scheme && resolved.Host == origin.Host
}
