// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
command_socket {
  path  = "/run/odrelayd/cmd.sock"
  owner = "odrelayd"
  mode  = "0660"
}

concentrator "vpn1" {
  management_address = "127.0.0.1:7505"
}

realm "staff" {
  dhcp_server_ips     = "10.0.0.1,10.0.0.2"
  dhcp_listening_ip   = "10.0.0.254"
  provide_default_route = false
  static_routes_ipv4  = "192.168.50.0/24:10.0.0.1"
  expected_dhcp_lease_time = 86400
}

realm "guests" {
  include_realm = "staff"
  vid           = 20
}
`

func TestLoadBytesFullConfig(t *testing.T) {
	loaded, err := LoadBytes("test.hcl", []byte(sampleConfig))
	require.NoError(t, err)

	require.NotNil(t, loaded.CommandSocket)
	require.Equal(t, "/run/odrelayd/cmd.sock", loaded.CommandSocket.Path)

	require.Len(t, loaded.Concentrators, 1)
	require.Equal(t, "vpn1", loaded.Concentrators[0].Name)

	require.Len(t, loaded.Realms, 2)
	staff := loaded.Realms["staff"]
	require.False(t, staff.ProvideDefaultRoute)
	require.Len(t, staff.StaticRoutesIPv4, 1)

	guests := loaded.Realms["guests"]
	require.NotNil(t, guests.VLANID)
	require.Equal(t, 20, *guests.VLANID)
	require.False(t, guests.ProvideDefaultRoute) // inherited from staff
	require.Len(t, guests.DHCPServerIPs, 2)       // inherited from staff

	require.Equal(t, time.Duration(DefaultSyncInterval)*time.Second, loaded.SyncInterval)
}

func TestLoadBytesRejectsMissingServerIPs(t *testing.T) {
	_, err := LoadBytes("test.hcl", []byte(`realm "bare" {}`))
	require.Error(t, err)
}

func TestLoadBytesHonorsExplicitSyncInterval(t *testing.T) {
	const withInterval = `
sync_interval = 30

realm "staff" {
  dhcp_server_ips = "10.0.0.1"
}
`
	loaded, err := LoadBytes("test.hcl", []byte(withInterval))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, loaded.SyncInterval)
}
