// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package requestor

import (
	"fmt"

	daemonerrors "grimm.is/odrelayd/internal/errors"
	"grimm.is/odrelayd/internal/logging"
)

// listenKey identifies a requestor by the device and local address it
// listens on, mirroring DhcpAddressRequestorManager's
// (device, local_ip) lookup key.
type listenKey struct {
	device string
	addr   string
}

// Manager holds every Requestor this daemon has opened, keyed by
// listening device and address so that realms sharing a device/IP
// pair share one underlying socket. It is the Go translation of
// dhcprequestor.py's DhcpAddressRequestorManager.
type Manager struct {
	byKey map[listenKey]*Requestor
	log   *logging.Logger
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byKey: make(map[listenKey]*Requestor),
		log:   logging.Default().WithComponent("requestormgr"),
	}
}

// Open opens a new Requestor for cfg and registers it, failing if a
// requestor already listens on the same device and address.
func (m *Manager) Open(cfg Config) (*Requestor, error) {
	key := listenKey{device: cfg.ListenDevice, addr: cfg.ListenAddress.String()}
	if _, exists := m.byKey[key]; exists {
		return nil, daemonerrors.Errorf(daemonerrors.KindConfig,
			"attempt to listen on IP %s@%s multiple times", cfg.ListenAddress, cfg.ListenDevice)
	}

	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.byKey[key] = r
	return r, nil
}

// Get returns the requestor registered for device/addr, if any.
func (m *Manager) Get(device, addr string) (*Requestor, bool) {
	r, ok := m.byKey[listenKey{device: device, addr: addr}]
	return r, ok
}

// CloseAll closes every requestor this manager holds.
func (m *Manager) CloseAll() error {
	var firstErr error
	for key, r := range m.byKey {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing requestor %s@%s: %w", key.addr, key.device, err)
		}
	}
	return firstErr
}
