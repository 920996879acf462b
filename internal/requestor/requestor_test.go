// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package requestor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/dhcptxn"
	"grimm.is/odrelayd/internal/dhcpwire"
	"grimm.is/odrelayd/internal/eventloop"
)

func TestRequestorLifecycleToAck(t *testing.T) {
	rt := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { rt.Run(ctx); close(runDone) }()
	defer func() { cancel(); <-runDone }()

	req, err := New(Config{
		ListenAddress: net.IPv4(127, 0, 0, 1),
		ListenPort:    0,
		Runtime:       rt,
		Clock:         clock.Real{},
	})
	require.NoError(t, err)
	defer req.Close()

	// A fake DHCP server: echoes back an ACK for whatever it receives.
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer server.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf := make([]byte, 2048)
		n, clientAddr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			return
		}
		ack, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck)(ack)
		ack.TransactionID = pkt.TransactionID
		ack.YourIPAddr = net.IPv4(192, 0, 2, 77)
		ack.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, []byte{0, 0, 0x0E, 0x10}))
		server.WriteToUDP(ack.ToBytes(), clientAddr)
	}()

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	done := make(chan struct{})
	var successLease *dhcpwire.Lease

	rt.Post(func() {
		txn := req.NewTransaction(dhcptxn.Config{
			XID:       NewXID(),
			Kind:      dhcptxn.KindInitial,
			ServerIPs: []net.IP{serverAddr.IP},
			LocalIP:   net.IPv4(10, 0, 0, 254),
			Username:  "dana@example.net",
			OnSuccess: func(l *dhcpwire.Lease) { successLease = l; close(done) },
			OnFailure: func(error) { close(done) },
		})
		txn.Start()
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requestor round trip")
	}
	<-serverDone
	require.NotNil(t, successLease)
	require.True(t, successLease.IPAddress.Equal(net.IPv4(192, 0, 2, 77)))
}

func TestRequestorIgnoresUnknownXID(t *testing.T) {
	rt := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { rt.Run(ctx); close(runDone) }()
	defer func() { cancel(); <-runDone }()

	req, err := New(Config{
		ListenAddress: net.IPv4(127, 0, 0, 1),
		ListenPort:    0,
		Runtime:       rt,
		Clock:         clock.Real{},
	})
	require.NoError(t, err)
	defer req.Close()

	local := req.LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp4", nil, local)
	require.NoError(t, err)
	defer conn.Close()

	ack, _ := dhcpv4.New()
	dhcpv4.WithMessageType(dhcpv4.MessageTypeAck)(ack)
	ack.TransactionID = dhcpv4.TransactionID{0xAA, 0xBB, 0xCC, 0xDD}
	_, err = conn.Write(ack.ToBytes())
	require.NoError(t, err)

	// No transaction is registered for this xid; the requestor should
	// silently drop it rather than panicking or blocking.
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		rt.Post(func() { close(done) })
		select {
		case <-done:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
