// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration: one or more
// realm blocks (each describing a VLAN/subnet this daemon brokers
// DHCP addresses for), a command_socket block, and one concentrator
// block per OpenVPN server it watches. It is grounded on
// original_source/odr/odrd.py's RealmData/process_realm/read_realms.
package config

// CurrentSchemaVersion identifies the configuration schema this
// daemon understands.
const CurrentSchemaVersion = "1.0"

// DefaultSyncInterval is how often the client registry reconciles
// against each concentrator's authoritative client list when
// sync_interval is left unset.
const DefaultSyncInterval = 60

// Config is the top-level, fully-resolved configuration.
type Config struct {
	SchemaVersion string               `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	SyncInterval  *int                 `hcl:"sync_interval,optional" json:"sync_interval,omitempty"`
	CommandSocket *CommandSocketConfig `hcl:"command_socket,block" json:"command_socket,omitempty"`
	Concentrators []ConcentratorConfig `hcl:"concentrator,block" json:"concentrator,omitempty"`
	Realms        []RealmConfig        `hcl:"realm,block" json:"realm,omitempty"`
}

// CommandSocketConfig describes the Unix domain socket the OpenVPN
// "client-connect"/"client-disconnect" scripts and the concentrator's
// deferred-return mechanism talk to.
type CommandSocketConfig struct {
	Path  string `hcl:"path" json:"path"`
	Owner string `hcl:"owner,optional" json:"owner,omitempty"`
	Group string `hcl:"group,optional" json:"group,omitempty"`
	Mode  string `hcl:"mode,optional" json:"mode,omitempty"` // e.g. "0660"

	// AllowedUsers/AllowedGroups name the system accounts permitted to
	// connect, checked against the peer's SO_PEERCRED uid/gid. Empty
	// means every peer is accepted, relying on Mode/Owner/Group alone.
	AllowedUsers  []string `hcl:"allowed_users,optional" json:"allowed_users,omitempty"`
	AllowedGroups []string `hcl:"allowed_groups,optional" json:"allowed_groups,omitempty"`
}

// ConcentratorConfig describes one OpenVPN management-interface
// endpoint this daemon supervises.
type ConcentratorConfig struct {
	Name          string `hcl:"name,label" json:"name"`
	ManagementAddr string `hcl:"management_address" json:"management_address"`
}

// RealmConfig is the raw, as-parsed HCL shape of a realm block,
// before parent-realm inheritance has been resolved.
type RealmConfig struct {
	Name string `hcl:"name,label" json:"name"`

	IncludeRealm *string `hcl:"include_realm,optional" json:"include_realm,omitempty"`

	VLANID *int `hcl:"vid,optional" json:"vid,omitempty"`

	DHCPLocalPort       *int     `hcl:"dhcp_local_port,optional" json:"dhcp_local_port,omitempty"`
	DHCPListeningDevice *string  `hcl:"dhcp_listening_device,optional" json:"dhcp_listening_device,omitempty"`
	DHCPListeningIP     *string  `hcl:"dhcp_listening_ip,optional" json:"dhcp_listening_ip,omitempty"`
	DHCPServerIPs       *string  `hcl:"dhcp_server_ips,optional" json:"dhcp_server_ips,omitempty"`
	SubnetIPv4          *string  `hcl:"subnet_ipv4,optional" json:"subnet_ipv4,omitempty"`

	ProvideDefaultRoute *bool   `hcl:"provide_default_route,optional" json:"provide_default_route,omitempty"`
	DefaultGatewayIPv4  *string `hcl:"default_gateway_ipv4,optional" json:"default_gateway_ipv4,omitempty"`

	SubnetIPv6         *string `hcl:"subnet_ipv6,optional" json:"subnet_ipv6,omitempty"`
	DefaultGatewayIPv6 *string `hcl:"default_gateway_ipv6,optional" json:"default_gateway_ipv6,omitempty"`
	IPv6Secret         *SecureString `hcl:"ipv6_secret,optional" json:"-"`

	StaticRoutesIPv4 *string `hcl:"static_routes_ipv4,optional" json:"static_routes_ipv4,omitempty"`
	StaticRoutesIPv6 *string `hcl:"static_routes_ipv6,optional" json:"static_routes_ipv6,omitempty"`

	ExpectedDHCPLeaseTime *int `hcl:"expected_dhcp_lease_time,optional" json:"expected_dhcp_lease_time,omitempty"`
}
