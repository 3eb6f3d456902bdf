package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

var (
	ErrNoDefaultRoute = errors.New("no default route found")
	ErrListRoutes     = errors.New("failed to list routes")
	ErrLookupLink     = errors.New("failed to look up link")
)

// RouteFinder discovers the interface carrying the host's default route.
type RouteFinder interface {
	DefaultRouteInterface() (string, error)
}

// NewNetlinkRouteFinder returns a RouteFinder backed by the kernel routing
// table.
func NewNetlinkRouteFinder() RouteFinder {
	return netlinkRouteFinder{}
}

type netlinkRouteFinder struct{}

// DefaultRouteInterface implements RouteFinder. When several IPv4 default
// routes exist the one with the lowest metric wins.
func (netlinkRouteFinder) DefaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrListRoutes, err)
	}

	var best *netlink.Route
	for i := range routes {
		r := &routes[i]
		if !isDefaultDst(r.Dst) || routeLinkIndex(r) == 0 {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	if best == nil {
		return "", ErrNoDefaultRoute
	}

	link, err := netlink.LinkByIndex(routeLinkIndex(best))
	if err != nil {
		return "", fmt.Errorf("%w %d: %w", ErrLookupLink, routeLinkIndex(best), err)
	}

	return link.Attrs().Name, nil
}

// isDefaultDst accepts both representations netlink uses for 0.0.0.0/0.
func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}

func routeLinkIndex(r *netlink.Route) int {
	if r.LinkIndex != 0 {
		return r.LinkIndex
	}
	for _, nh := range r.MultiPath {
		if nh.LinkIndex != 0 {
			return nh.LinkIndex
		}
	}
	return 0
}
