// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/odrelayd/internal/errors"
)

// Loaded is the fully parsed and resolved configuration: raw HCL
// blocks for the daemon-level settings plus every realm with its
// inheritance chain already flattened.
type Loaded struct {
	CommandSocket *CommandSocketConfig
	Concentrators []ConcentratorConfig
	Realms        map[string]*Realm
	SyncInterval  time.Duration
}

// LoadFile parses path as HCL and resolves every realm's inheritance
// chain, mirroring odrd.py's ConfigParser-based main() plus
// read_realms.
func LoadFile(path string) (*Loaded, error) {
	var raw Config
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse configuration file")
	}
	return resolve(&raw)
}

// LoadBytes parses data as HCL, as if read from filename, and
// resolves every realm's inheritance chain. Used by tests.
func LoadBytes(filename string, data []byte) (*Loaded, error) {
	var raw Config
	if err := hclsimple.Decode(filename, data, nil, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse configuration")
	}
	return resolve(&raw)
}

func resolve(raw *Config) (*Loaded, error) {
	realms, err := ResolveRealms(raw.Realms)
	if err != nil {
		return nil, err
	}
	for name, r := range realms {
		if r.DHCPListeningDevice != "" && r.DHCPListeningIP == nil {
			return nil, errors.Errorf(errors.KindConfig,
				"realm %q: dhcp_listening_device set without dhcp_listening_ip "+
					"and automatic interface-address lookup is not performed", name)
		}
		if len(r.DHCPServerIPs) == 0 {
			return nil, errors.Errorf(errors.KindConfig, "realm %q: dhcp_server_ips is required", name)
		}
	}

	syncInterval := DefaultSyncInterval
	if raw.SyncInterval != nil {
		syncInterval = *raw.SyncInterval
	}

	return &Loaded{
		CommandSocket: raw.CommandSocket,
		Concentrators: raw.Concentrators,
		Realms:        realms,
		SyncInterval:  time.Duration(syncInterval) * time.Second,
	}, nil
}
