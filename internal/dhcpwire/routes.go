// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dhcpwire encodes and decodes the BOOTP/DHCP wire details
// this daemon needs beyond what github.com/insomniacslk/dhcp/dhcpv4
// gives for free: the RFC 3442 classless-static-route option and the
// RFC 3527 relay-agent link-selection sub-option. Both are ported from
// original_source/odr/dhcprequestor.py's parse_classless_static_routes,
// which defines the exact malformed-input rules this package
// reproduces.
package dhcpwire

import (
	"errors"
	"net"
)

// ErrMalformedRoutes is returned by DecodeClasslessRoutes when the
// input cannot be a valid RFC 3442 option payload: an out-of-range
// mask width, a truncated gateway, or trailing bytes after the last
// well-formed entry.
var ErrMalformedRoutes = errors.New("dhcpwire: malformed classless static route option")

// Route is one decoded (or to-be-encoded) RFC 3442 entry. Network is
// always zero-padded to four octets regardless of mask width.
type Route struct {
	Network net.IP
	Netmask net.IPMask
	Gateway net.IP
}

// significantOctets returns ceil(width/8), with width==0 mapping to 0
// exactly as spec'd: a default route carries zero network octets.
func significantOctets(width int) int {
	if width == 0 {
		return 0
	}
	return (width + 7) / 8
}

// EncodeClasslessRoutes produces the option 121 payload for routes, in
// order. Each entry is <width:1><significant network octets><gateway:4>.
func EncodeClasslessRoutes(routes []Route) ([]byte, error) {
	var out []byte
	for _, r := range routes {
		ones, _ := r.Netmask.Size()
		if ones < 0 || ones > 32 {
			return nil, ErrMalformedRoutes
		}
		gw := r.Gateway.To4()
		if gw == nil {
			return nil, ErrMalformedRoutes
		}
		net4 := r.Network.To4()
		if net4 == nil {
			return nil, ErrMalformedRoutes
		}
		n := significantOctets(ones)
		out = append(out, byte(ones))
		out = append(out, net4[:n]...)
		out = append(out, gw...)
	}
	return out, nil
}

// DecodeClasslessRoutes parses an option 121 payload. Testable
// Property 1 (spec §8): encoding the result of a successful decode
// reproduces the original bytes, and malformed input (width>32, a
// truncated gateway, or trailing bytes after the last entry) always
// yields ErrMalformedRoutes rather than a partial route list.
func DecodeClasslessRoutes(data []byte) ([]Route, error) {
	var routes []Route
	i := 0
	for i < len(data) {
		width := int(data[i])
		i++
		if width > 32 {
			return nil, ErrMalformedRoutes
		}
		n := significantOctets(width)
		if i+n > len(data) {
			return nil, ErrMalformedRoutes
		}
		netOctets := make([]byte, 4)
		copy(netOctets, data[i:i+n])
		i += n
		if i+4 > len(data) {
			return nil, ErrMalformedRoutes
		}
		gw := make(net.IP, 4)
		copy(gw, data[i:i+4])
		i += 4
		routes = append(routes, Route{
			Network: net.IP(netOctets),
			Netmask: net.CIDRMask(width, 32),
			Gateway: gw,
		})
	}
	if i != len(data) {
		return nil, ErrMalformedRoutes
	}
	return routes, nil
}

// SplitDefaultRoute separates a default route (0.0.0.0/0) from the
// rest, per RFC 3442 §9.5: when a default route is present among the
// classless static routes, it overrides any router option, and is
// removed from the list handed to the caller as ordinary static
// routes.
func SplitDefaultRoute(routes []Route) (defaultGateway net.IP, rest []Route) {
	for _, r := range routes {
		ones, _ := r.Netmask.Size()
		if ones == 0 {
			defaultGateway = r.Gateway
			continue
		}
		rest = append(rest, r)
	}
	return defaultGateway, rest
}
