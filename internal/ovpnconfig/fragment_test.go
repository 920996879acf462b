// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ovpnconfig

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/odrelayd/internal/dhcpwire"
)

func baseLease() *dhcpwire.Lease {
	return &dhcpwire.Lease{
		IPAddress:        net.IPv4(10, 1, 2, 3),
		SubnetMask:       net.IPv4Mask(255, 255, 255, 0),
		Gateway:          net.IPv4(10, 1, 2, 1),
		Domain:           "example.net",
		DNS:              []net.IP{net.IPv4(1, 1, 1, 1)},
		LeaseTimeout:     time.Now().Add(time.Hour),
		RenewalTimeout:   time.Now().Add(30 * time.Minute),
		RebindingTimeout: time.Now().Add(50 * time.Minute),
	}
}

func TestBuildFragmentBasic(t *testing.T) {
	frag, err := BuildFragment(Params{}, baseLease())
	require.NoError(t, err)
	require.Contains(t, frag, "ifconfig-push 10.1.2.3 255.255.255.0\n")
	require.Contains(t, frag, `push "ip-win32 dynamic"`)
	require.Contains(t, frag, `push "route-gateway 10.1.2.1"`)
	require.Contains(t, frag, `push "redirect-private"`)
	require.Contains(t, frag, `push "dhcp-option DNS 1.1.1.1"`)
	require.Contains(t, frag, `push "dhcp-option DOMAIN example.net"`)
}

func TestBuildFragmentProvideDefaultRoute(t *testing.T) {
	frag, err := BuildFragment(Params{ProvideDefaultRoute: true}, baseLease())
	require.NoError(t, err)
	require.Contains(t, frag, `push "redirect-gateway def1"`)
	require.NotContains(t, frag, "push \"route ")
}

func TestBuildFragmentStaticRoutes(t *testing.T) {
	lease := baseLease()
	lease.StaticRoutes = []dhcpwire.Route{
		{Network: net.IPv4(10, 12, 0, 0), Netmask: net.CIDRMask(16, 32), Gateway: net.IPv4(5, 0, 0, 0)},
	}
	frag, err := BuildFragment(Params{
		StaticRoutesIPv4: []StaticRouteV4{
			{Network: net.IPv4(172, 16, 0, 0), Netmask: net.IPv4(255, 255, 0, 0), Gateway: net.IPv4(10, 1, 2, 1)},
		},
	}, lease)
	require.NoError(t, err)
	require.Contains(t, frag, "push \"route 172.16.0.0 255.255.0.0 10.1.2.1\"")
	require.Contains(t, frag, "push \"route 10.12.0.0 255.255.0.0 5.0.0.0\"")
}

func TestBuildFragmentIPv6(t *testing.T) {
	vlan := 42
	frag, err := BuildFragment(Params{
		VLANID: &vlan,
		IPv6:   &IPv6Assignment{Address: "2001:db8::1", Gateway: "2001:db8::1:0"},
	}, baseLease())
	require.NoError(t, err)
	require.Contains(t, frag, "ifconfig-ipv6-push 2001:db8::1 2001:db8::1:0\n")
	require.Contains(t, frag, "vlan-pvid 42\n")
}

func TestBuildFragmentRejectsIncompleteLease(t *testing.T) {
	_, err := BuildFragment(Params{}, &dhcpwire.Lease{})
	require.ErrorIs(t, err, ErrIncompleteLease)
}
