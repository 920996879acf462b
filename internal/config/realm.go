// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"
	"strconv"
	"strings"

	"grimm.is/odrelayd/internal/errors"
)

// Realm is a fully resolved realm: every inheritable field has
// already been copied down from its include_realm ancestor, so
// callers never need to chase parent references at runtime.
type Realm struct {
	Name string

	VLANID *int

	DHCPLocalPort       int
	DHCPListeningDevice string
	DHCPListeningIP     net.IP
	DHCPServerIPs       []net.IP
	SubnetIPv4          *net.IPNet

	ProvideDefaultRoute bool
	DefaultGatewayIPv4  net.IP

	SubnetIPv6         *net.IPNet
	DefaultGatewayIPv6 net.IP
	IPv6Secret         SecureString

	StaticRoutesIPv4 []StaticRouteV4
	StaticRoutesIPv6 []StaticRouteV6

	ExpectedDHCPLeaseTime uint32
}

// StaticRouteV4 is a realm-configured static route for the pushed
// OpenVPN configuration.
type StaticRouteV4 struct {
	Network net.IP
	Netmask net.IP
	Gateway net.IP
}

// StaticRouteV6 is a realm-configured IPv6 static route.
type StaticRouteV6 struct {
	Network string
	Gateway string
}

var errRealmCycle = errors.New(errors.KindConfig, "recursive include_realm relationship")

// defaultRealm is the zero-parent baseline every root realm starts
// from, matching RealmData's no-parent constructor.
func defaultRealm(name string) *Realm {
	return &Realm{
		Name:                name,
		DHCPLocalPort:       67,
		ProvideDefaultRoute: true,
	}
}

// ResolveRealms resolves the include_realm inheritance chain across
// every raw realm block, retrying realms whose parent hasn't been
// resolved yet and failing if a fixed point is never reached (a
// dependency cycle), exactly as read_realms/process_realm do.
func ResolveRealms(raw []RealmConfig) (map[string]*Realm, error) {
	resolved := make(map[string]*Realm)
	pending := make([]RealmConfig, len(raw))
	copy(pending, raw)
	defined := make(map[string]bool, len(raw))
	for _, rc := range raw {
		defined[rc.Name] = true
	}

	for len(pending) > 0 {
		var next []RealmConfig
		progressed := false

		for _, rc := range pending {
			var base *Realm
			if rc.IncludeRealm != nil {
				parent, ok := resolved[*rc.IncludeRealm]
				if !ok {
					next = append(next, rc)
					continue
				}
				clone := *parent
				base = &clone
				base.Name = rc.Name
			} else {
				base = defaultRealm(rc.Name)
			}

			r, err := applyRealmConfig(base, rc)
			if err != nil {
				return nil, err
			}
			resolved[rc.Name] = r
			progressed = true
		}

		if !progressed && len(next) > 0 {
			for _, rc := range next {
				if !defined[*rc.IncludeRealm] {
					return nil, errors.Errorf(errors.KindConfig, "realm %q: include_realm %q is not defined", rc.Name, *rc.IncludeRealm)
				}
			}
			return nil, errRealmCycle
		}
		pending = next
	}

	return resolved, nil
}

func applyRealmConfig(r *Realm, rc RealmConfig) (*Realm, error) {
	if rc.VLANID != nil {
		r.VLANID = rc.VLANID
	}
	if rc.DHCPLocalPort != nil {
		r.DHCPLocalPort = *rc.DHCPLocalPort
	}
	if rc.DHCPListeningDevice != nil {
		r.DHCPListeningDevice = *rc.DHCPListeningDevice
		// Explicitly setting the device invalidates any inherited
		// listening IP; it must be re-specified in the same block.
		r.DHCPListeningIP = nil
	}
	if rc.DHCPListeningIP != nil {
		ip := net.ParseIP(*rc.DHCPListeningIP)
		if ip == nil {
			return nil, errors.Errorf(errors.KindConfig, "realm %q: invalid dhcp_listening_ip %q", rc.Name, *rc.DHCPListeningIP)
		}
		r.DHCPListeningIP = ip
	}
	if rc.ProvideDefaultRoute != nil {
		r.ProvideDefaultRoute = *rc.ProvideDefaultRoute
	}
	if rc.DefaultGatewayIPv4 != nil {
		ip := net.ParseIP(*rc.DefaultGatewayIPv4)
		if ip == nil {
			return nil, errors.Errorf(errors.KindConfig, "realm %q: invalid default_gateway_ipv4 %q", rc.Name, *rc.DefaultGatewayIPv4)
		}
		r.DefaultGatewayIPv4 = ip
	}
	if rc.SubnetIPv4 != nil {
		_, network, err := net.ParseCIDR(*rc.SubnetIPv4)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "realm %q: invalid subnet_ipv4 %q", rc.Name, *rc.SubnetIPv4)
		}
		r.SubnetIPv4 = network
	}
	if rc.SubnetIPv6 != nil {
		_, network, err := net.ParseCIDR(*rc.SubnetIPv6)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "realm %q: invalid subnet_ipv6 %q", rc.Name, *rc.SubnetIPv6)
		}
		r.SubnetIPv6 = network
	}
	if rc.DefaultGatewayIPv6 != nil {
		ip := net.ParseIP(*rc.DefaultGatewayIPv6)
		if ip == nil {
			return nil, errors.Errorf(errors.KindConfig, "realm %q: invalid default_gateway_ipv6 %q", rc.Name, *rc.DefaultGatewayIPv6)
		}
		r.DefaultGatewayIPv6 = ip
	}
	if rc.IPv6Secret != nil {
		r.IPv6Secret = *rc.IPv6Secret
	}
	if rc.StaticRoutesIPv4 != nil {
		routes, err := parseStaticRoutesV4(*rc.StaticRoutesIPv4)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "realm %q: invalid static_routes_ipv4", rc.Name)
		}
		r.StaticRoutesIPv4 = routes
	}
	if rc.StaticRoutesIPv6 != nil {
		routes, err := parseStaticRoutesV6(*rc.StaticRoutesIPv6)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "realm %q: invalid static_routes_ipv6", rc.Name)
		}
		r.StaticRoutesIPv6 = routes
	}
	if rc.DHCPServerIPs != nil {
		ips, err := parseIPList(*rc.DHCPServerIPs)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "realm %q: invalid dhcp_server_ips", rc.Name)
		}
		r.DHCPServerIPs = ips
	}
	if rc.ExpectedDHCPLeaseTime != nil {
		r.ExpectedDHCPLeaseTime = uint32(*rc.ExpectedDHCPLeaseTime)
	}

	return r, nil
}

func parseIPList(val string) ([]net.IP, error) {
	var ips []net.IP
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, errors.Errorf(errors.KindConfig, "invalid IP address %q", part)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// parseStaticRoutesV4 parses "network/prefix:gateway,network/prefix:gateway"
func parseStaticRoutesV4(val string) ([]StaticRouteV4, error) {
	var routes []StaticRouteV4
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 2 {
			return nil, errors.Errorf(errors.KindConfig, "malformed static route entry %q", part)
		}
		_, network, err := net.ParseCIDR(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "malformed network in %q", part)
		}
		gateway := net.ParseIP(fields[1])
		if gateway == nil {
			return nil, errors.Errorf(errors.KindConfig, "malformed gateway in %q", part)
		}
		routes = append(routes, StaticRouteV4{
			Network: network.IP,
			Netmask: net.IP(network.Mask),
			Gateway: gateway,
		})
	}
	return routes, nil
}

// parseStaticRoutesV6 parses "network/prefix:gateway,..."
func parseStaticRoutesV6(val string) ([]StaticRouteV6, error) {
	var routes []StaticRouteV6
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 2 {
			return nil, errors.Errorf(errors.KindConfig, "malformed static route entry %q", part)
		}
		routes = append(routes, StaticRouteV6{Network: fields[0], Gateway: fields[1]})
	}
	return routes, nil
}

// ParseFileMode parses a command-socket mode string (octal file
// permission bits, e.g. "0660").
func ParseFileMode(s string) (int, error) {
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
