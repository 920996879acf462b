// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package requestor

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/odrelayd/internal/eventloop"
)

func TestManagerRejectsDuplicateListenPair(t *testing.T) {
	rt := eventloop.New()

	cfg := Config{ListenAddress: net.IPv4(127, 0, 0, 1), ListenPort: 0, Runtime: rt}
	m := NewManager()
	defer m.CloseAll()

	r1, err := m.Open(cfg)
	require.NoError(t, err)
	require.NotNil(t, r1)

	_, err = m.Open(cfg)
	require.Error(t, err)
}

func TestManagerGet(t *testing.T) {
	rt := eventloop.New()
	cfg := Config{ListenAddress: net.IPv4(127, 0, 0, 1), ListenPort: 0, Runtime: rt, ListenDevice: ""}
	m := NewManager()
	defer m.CloseAll()

	r, err := m.Open(cfg)
	require.NoError(t, err)

	got, ok := m.Get("", cfg.ListenAddress.String())
	require.True(t, ok)
	require.Same(t, r, got)

	_, ok = m.Get("eth0", "10.0.0.1")
	require.False(t, ok)
}
