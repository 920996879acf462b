// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ovpnconfig

import (
	"fmt"
	"net"

	"grimm.is/odrelayd/internal/dhcpwire"
	daemonerrors "grimm.is/odrelayd/internal/errors"
)

// StaticRouteV4 is a realm-configured static route, in addition to
// whatever the DHCP ACK itself carried.
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

// IPv6Assignment carries the deterministic address computed for this
// client (see internal/config's AssignIPv6), already resolved with
// the realm's configured gateway override, if any.
type IPv6Assignment struct {
	Address string
	Gateway string
}

// Params holds everything about a realm that shapes its config
// fragment, independent of any single DHCP lease.
type Params struct {
	VLANID               *int
	DefaultGatewayIPv4   net.IP
	ProvideDefaultRoute  bool
	StaticRoutesIPv4     []StaticRouteV4
	StaticRoutesIPv6     []StaticRouteV6
	IPv6                 *IPv6Assignment
}

// ErrIncompleteLease is returned by BuildFragment when the lease
// lacks an assigned address/mask or lease-timing information, which
// the original treats as a hard failure of the whole request.
var ErrIncompleteLease = daemonerrors.New(daemonerrors.KindProtocol, "dhcp lease missing required fields")

// BuildFragment renders the full OpenVPN client configuration pushed
// back to the concentrator after a successful DHCP acquisition.
func BuildFragment(p Params, lease *dhcpwire.Lease) (string, error) {
	if lease == nil || lease.IPAddress == nil || lease.SubnetMask == nil {
		return "", ErrIncompleteLease
	}
	if lease.LeaseTimeout.IsZero() || lease.RebindingTimeout.IsZero() {
		return "", ErrIncompleteLease
	}

	var b Builder
	b.Add(fmt.Sprintf("ifconfig-push %s %s", lease.IPAddress.String(), net.IP(lease.SubnetMask).String()))
	b.Push("ip-win32 dynamic")

	if p.IPv6 != nil {
		b.Add(fmt.Sprintf("ifconfig-ipv6-push %s %s", p.IPv6.Address, p.IPv6.Gateway))
	}

	if p.VLANID != nil {
		b.Add(fmt.Sprintf("vlan-pvid %d", *p.VLANID))
	}

	switch {
	case p.DefaultGatewayIPv4 != nil:
		b.Push("route-gateway " + p.DefaultGatewayIPv4.String())
	case lease.Gateway != nil:
		b.Push("route-gateway " + lease.Gateway.String())
	}

	if p.ProvideDefaultRoute {
		switch {
		case p.IPv6 != nil && p.IPv6.Gateway != "":
			b.Push("route-ipv6 2000::/3")
			b.Push("redirect-gateway def1")
		case lease.Gateway != nil || p.DefaultGatewayIPv4 != nil:
			b.Push("redirect-gateway def1")
		}
	} else {
		for _, r := range p.StaticRoutesIPv4 {
			b.Push(fmt.Sprintf("route %s %s %s", r.Network.String(), r.Netmask.String(), r.Gateway.String()))
		}
		for _, r := range lease.StaticRoutes {
			ones, _ := r.Netmask.Size()
			mask := net.CIDRMask(ones, 32)
			b.Push(fmt.Sprintf("route %s %s %s", r.Network.String(), net.IP(mask).String(), r.Gateway.String()))
		}
		if p.IPv6 != nil {
			for _, r := range p.StaticRoutesIPv6 {
				b.Push(fmt.Sprintf("route-ipv6 %s %s", r.Network, r.Gateway))
			}
		}
	}

	b.Push("redirect-private")

	for _, dns := range lease.DNS {
		b.Push("dhcp-option DNS " + dns.String())
	}
	if lease.Domain != "" {
		b.Push("dhcp-option DOMAIN " + lease.Domain)
	}

	return b.String(), nil
}
