// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"net"
	"os"
	"os/user"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/odrelayd/internal/clientregistry"
	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/concentrator"
	"grimm.is/odrelayd/internal/config"
	"grimm.is/odrelayd/internal/dhcpwire"
	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
)

func newTestDaemon(t *testing.T, realms map[string]*config.Realm) *daemon {
	t.Helper()
	rt := eventloop.New()
	d := &daemon{
		runtime: rt,
		cfg: &config.Loaded{
			Realms: realms,
		},
		log:           logging.Default().WithComponent("test"),
		concentrators: make(map[string]*concentrator.Client),
	}
	d.registry = clientregistry.New(rt, clock.Real{}, d.refreshClient, d.disconnectClient)
	d.concentrators["vpn1"] = concentrator.New(rt, "vpn1", "127.0.0.1:0")
	return d
}

func TestLinkSelectionAddrUsesConfiguredSubnet(t *testing.T) {
	_, subnet, err := net.ParseCIDR("10.20.0.0/24")
	require.NoError(t, err)
	realm := &config.Realm{SubnetIPv4: subnet}

	got := linkSelectionAddr(realm)
	require.True(t, got.Equal(net.IPv4(10, 20, 0, 0)))
}

func TestLinkSelectionAddrNilWithoutSubnet(t *testing.T) {
	realm := &config.Realm{}
	require.Nil(t, linkSelectionAddr(realm))
}

func TestPrefixLen(t *testing.T) {
	_, n, err := net.ParseCIDR("fd00:1234::/64")
	require.NoError(t, err)
	require.Equal(t, 64, prefixLen(n))
}

func TestCurrentDateFormat(t *testing.T) {
	d := currentDate()
	_, err := time.Parse("2006-01-02", d)
	require.NoError(t, err)
}

func TestBuildFragmentWithoutIPv6(t *testing.T) {
	realm := &config.Realm{
		Name:                "staff",
		ProvideDefaultRoute: true,
		DefaultGatewayIPv4:  net.IPv4(10, 0, 0, 1),
	}
	lease := &dhcpwire.Lease{
		IPAddress:        net.IPv4(10, 0, 0, 42),
		SubnetMask:       net.CIDRMask(24, 32),
		LeaseTimeout:     time.Now().Add(time.Hour),
		RebindingTimeout: time.Now().Add(30 * time.Minute),
	}

	frag, err := buildFragment(realm, "alice@staff", lease)
	require.NoError(t, err)
	require.Contains(t, frag, "10.0.0.42")
}

func TestBuildFragmentWithIPv6(t *testing.T) {
	_, subnet, err := net.ParseCIDR("fd00:abcd::/64")
	require.NoError(t, err)

	realm := &config.Realm{
		Name:               "staff",
		SubnetIPv6:         subnet,
		DefaultGatewayIPv6: net.ParseIP("fd00:abcd::1"),
		IPv6Secret:         config.SecureString("topsecret"),
	}
	lease := &dhcpwire.Lease{
		IPAddress:        net.IPv4(10, 0, 0, 42),
		SubnetMask:       net.CIDRMask(24, 32),
		LeaseTimeout:     time.Now().Add(time.Hour),
		RebindingTimeout: time.Now().Add(30 * time.Minute),
	}

	frag, err := buildFragment(realm, "alice@staff", lease)
	require.NoError(t, err)
	require.Contains(t, frag, "/64")
}

func TestWriteDeferredResultWritesValue(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ret")
	require.NoError(t, err)

	writeDeferredResult(f, ccRetSucceeded)

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(ccRetSucceeded), string(data))
}

func TestBuildAuthFuncEmptyAllowListsReturnsNilAuth(t *testing.T) {
	auth, err := buildAuthFunc(&config.CommandSocketConfig{})
	require.NoError(t, err)
	require.Nil(t, auth)
}

func TestBuildAuthFuncUnknownUserErrors(t *testing.T) {
	_, err := buildAuthFunc(&config.CommandSocketConfig{
		AllowedUsers: []string{"definitely-not-a-real-user-xyz"},
	})
	require.Error(t, err)
}

func TestBuildAuthFuncAllowsConfiguredUID(t *testing.T) {
	uid := os.Getuid()
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		t.Skipf("cannot resolve current uid to a username: %v", err)
	}

	auth, err := buildAuthFunc(&config.CommandSocketConfig{AllowedUsers: []string{u.Username}})
	require.NoError(t, err)
	require.NotNil(t, auth)
	require.True(t, auth(0, uint32(uid), 0))
	require.False(t, auth(0, uint32(uid)+12345, uint32(uid)+12345))
}

func TestHandleSyncDetectedAdoptsKnownRealm(t *testing.T) {
	d := newTestDaemon(t, map[string]*config.Realm{
		"staff": {Name: "staff"},
	})

	d.handleSyncDetected("vpn1", "alice@staff", net.IPv4(10, 0, 0, 5))

	c, ok := d.registry.Lookup("alice@staff")
	require.True(t, ok)
	require.True(t, c.LeasedIP.Equal(net.IPv4(10, 0, 0, 5)))
}

func TestHandleSyncDetectedRejectsUnknownRealm(t *testing.T) {
	d := newTestDaemon(t, map[string]*config.Realm{})

	d.handleSyncDetected("vpn1", "alice@nosuchrealm", net.IPv4(10, 0, 0, 5))

	_, ok := d.registry.Lookup("alice@nosuchrealm")
	require.False(t, ok)
}

func TestHandleSyncDetectedRejectsUnparseableUsername(t *testing.T) {
	d := newTestDaemon(t, map[string]*config.Realm{
		"staff": {Name: "staff"},
	})

	d.handleSyncDetected("vpn1", "alice", net.IPv4(10, 0, 0, 5))

	_, ok := d.registry.Lookup("alice")
	require.False(t, ok)
}
