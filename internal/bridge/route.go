package bridge

import (
	"fmt"
	"strings"
)

// Route selects which leg carries the live audio during a call.
type Route int32

const (
	// RouteRotary sends audio through the rotary handset on the ATA.
	RouteRotary Route = iota
	// RouteMobile keeps the conversation on the mobile phone.
	RouteMobile
)

func (r Route) String() string {
	switch r {
	case RouteRotary:
		return "rotary"
	case RouteMobile:
		return "mobile"
	default:
		return fmt.Sprintf("route(%d)", int32(r))
	}
}

// ParseRoute accepts "rotary" or "mobile" in any case.
func ParseRoute(s string) (Route, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rotary":
		return RouteRotary, nil
	case "mobile":
		return RouteMobile, nil
	}
	return RouteRotary, fmt.Errorf("unknown audio route %q", s)
}
