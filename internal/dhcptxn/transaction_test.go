// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcptxn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/dhcpwire"
	"grimm.is/odrelayd/internal/eventloop"
)

type sentPacket struct {
	pkt  *dhcpv4.DHCPv4
	dest net.IP
}

type harness struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (h *harness) send(pkt *dhcpv4.DHCPv4, dest net.IP) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentPacket{pkt: pkt, dest: dest})
	return nil
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *harness) last() sentPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[len(h.sent)-1]
}

func runRuntime(t *testing.T, rt *eventloop.Runtime) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

// TestTransactionDiscoverToAck reproduces spec scenario E1: a clean
// DISCOVER/OFFER/REQUEST/ACK cycle with no retries.
func TestTransactionDiscoverToAck(t *testing.T) {
	rt := eventloop.New()
	stop := runRuntime(t, rt)
	defer stop()

	h := &harness{}
	var successLease *dhcpwire.Lease
	done := make(chan struct{})

	var txn *Transaction
	rt.Post(func() {
		txn = New(Config{
			XID:       dhcpv4.TransactionID{1, 2, 3, 4},
			Runtime:   rt,
			Clock:     clock.Real{},
			Send:      h.send,
			Kind:      KindInitial,
			ServerIPs: []net.IP{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)},
			LocalIP:   net.IPv4(10, 0, 0, 254),
			Username:  "alice@example.net",
			OnSuccess: func(l *dhcpwire.Lease) { successLease = l; close(done) },
			OnFailure: func(err error) { close(done) },
		})
		txn.Start()
	})

	require.Eventually(t, func() bool { return h.count() == 2 }, time.Second, time.Millisecond)

	rt.Post(func() {
		offer, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer)(offer)
		offer.TransactionID = dhcpv4.TransactionID{1, 2, 3, 4}
		offer.YourIPAddr = net.IPv4(192, 0, 2, 10)
		offer.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionServerIdentifier, net.IPv4(10, 0, 0, 1).To4()))
		txn.HandleOffer(offer, net.IPv4(10, 0, 0, 1), 67)
	})

	require.Eventually(t, func() bool { return h.count() == 3 }, time.Second, time.Millisecond)
	require.True(t, h.last().dest.Equal(net.IPv4(10, 0, 0, 1)))

	rt.Post(func() {
		ack, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck)(ack)
		ack.TransactionID = dhcpv4.TransactionID{1, 2, 3, 4}
		ack.YourIPAddr = net.IPv4(192, 0, 2, 10)
		ack.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, []byte{0, 0, 0x0E, 0x10}))
		txn.HandleAck(ack, net.IPv4(10, 0, 0, 1), 67)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transaction completion")
	}
	require.NotNil(t, successLease)
	require.True(t, successLease.IPAddress.Equal(net.IPv4(192, 0, 2, 10)))
}

// zeroJitterClock is the Real clock with jitter disabled, so tests can
// assert on an exact retry count against exact small durations.
type zeroJitterClock struct{ clock.Real }

func (zeroJitterClock) Jitter(lo, _ time.Duration) time.Duration { return 0 }

// TestTransactionRetriesThenFails reproduces spec scenario E5: a
// silent server exhausts all retries before the transaction fails.
// It uses a short InitialTimeout so the doubling backoff (t, 2t, 4t, 8t)
// completes in milliseconds rather than the spec's real 4s/8s/16s/32s.
func TestTransactionRetriesThenFails(t *testing.T) {
	rt := eventloop.New()
	stop := runRuntime(t, rt)
	defer stop()

	h := &harness{}
	var failErr error
	done := make(chan struct{})

	rt.Post(func() {
		txn := New(Config{
			XID:            dhcpv4.TransactionID{9, 9, 9, 9},
			Runtime:        rt,
			Clock:          zeroJitterClock{},
			Send:           h.send,
			Kind:           KindInitial,
			ServerIPs:      []net.IP{net.IPv4(10, 0, 0, 1)},
			LocalIP:        net.IPv4(10, 0, 0, 254),
			Username:       "bob@example.net",
			MaxRetries:     3,
			InitialTimeout: 10 * time.Millisecond,
			OnSuccess:      func(*dhcpwire.Lease) { close(done) },
			OnFailure:      func(err error) { failErr = err; close(done) },
		})
		txn.Start()
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry exhaustion")
	}
	require.Error(t, failErr)
	require.Equal(t, 4, h.count()) // initial send + 3 retries
}

// TestTransactionIgnoresUnknownSourceOffer reproduces spec scenario
// E6: an OFFER from a server outside the candidate list is dropped.
func TestTransactionIgnoresUnknownSourceOffer(t *testing.T) {
	rt := eventloop.New()
	stop := runRuntime(t, rt)
	defer stop()

	h := &harness{}
	rt.Post(func() {
		txn := New(Config{
			XID:       dhcpv4.TransactionID{5, 5, 5, 5},
			Runtime:   rt,
			Clock:     clock.Real{},
			Send:      h.send,
			Kind:      KindInitial,
			ServerIPs: []net.IP{net.IPv4(10, 0, 0, 1)},
			LocalIP:   net.IPv4(10, 0, 0, 254),
			Username:  "eve@example.net",
		})
		txn.Start()

		offer, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer)(offer)
		offer.TransactionID = dhcpv4.TransactionID{5, 5, 5, 5}
		offer.YourIPAddr = net.IPv4(192, 0, 2, 20)
		txn.HandleOffer(offer, net.IPv4(203, 0, 113, 5), 67)
		require.Equal(t, 1, h.count())
	})

	require.Eventually(t, func() bool { return h.count() >= 1 }, time.Second, time.Millisecond)
}

func TestTransactionRefreshStartsInRequestState(t *testing.T) {
	rt := eventloop.New()
	stop := runRuntime(t, rt)
	defer stop()

	h := &harness{}
	var successLease *dhcpwire.Lease
	done := make(chan struct{})
	var txn *Transaction

	rt.Post(func() {
		txn = New(Config{
			XID:       dhcpv4.TransactionID{7, 7, 7, 7},
			Runtime:   rt,
			Clock:     clock.Real{},
			Send:      h.send,
			Kind:      KindRefresh,
			ServerIPs: []net.IP{net.IPv4(10, 0, 0, 1)},
			LocalIP:   net.IPv4(10, 0, 0, 254),
			Username:  "carol@example.net",
			LeasedIP:  net.IPv4(192, 0, 2, 30),
			OnSuccess: func(l *dhcpwire.Lease) { successLease = l; close(done) },
			OnFailure: func(error) { close(done) },
		})
		txn.Start()
	})

	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, time.Millisecond)

	rt.Post(func() {
		ack, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck)(ack)
		ack.TransactionID = dhcpv4.TransactionID{7, 7, 7, 7}
		ack.YourIPAddr = net.IPv4(192, 0, 2, 30)
		ack.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, []byte{0, 0, 0x0E, 0x10}))
		txn.HandleAck(ack, net.IPv4(10, 0, 0, 1), 67)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for refresh completion")
	}
	require.True(t, successLease.IPAddress.Equal(net.IPv4(192, 0, 2, 30)))
}

// TestTransactionRejectsAckMissingLeaseTime checks that an ACK
// lacking an IP address lease time option must fail the
// transaction rather than succeed with a degenerate zero-length
// lease.
func TestTransactionRejectsAckMissingLeaseTime(t *testing.T) {
	rt := eventloop.New()
	stop := runRuntime(t, rt)
	defer stop()

	h := &harness{}
	var failErr error
	done := make(chan struct{})
	var txn *Transaction

	rt.Post(func() {
		txn = New(Config{
			XID:       dhcpv4.TransactionID{9, 9, 9, 9},
			Runtime:   rt,
			Clock:     clock.Real{},
			Send:      h.send,
			Kind:      KindRefresh,
			ServerIPs: []net.IP{net.IPv4(10, 0, 0, 1)},
			LocalIP:   net.IPv4(10, 0, 0, 254),
			Username:  "dave@example.net",
			LeasedIP:  net.IPv4(192, 0, 2, 40),
			OnSuccess: func(*dhcpwire.Lease) { close(done) },
			OnFailure: func(err error) { failErr = err; close(done) },
		})
		txn.Start()
	})

	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, time.Millisecond)

	rt.Post(func() {
		ack, _ := dhcpv4.New()
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck)(ack)
		ack.TransactionID = dhcpv4.TransactionID{9, 9, 9, 9}
		ack.YourIPAddr = net.IPv4(192, 0, 2, 40)
		txn.HandleAck(ack, net.IPv4(10, 0, 0, 1), 67)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transaction completion")
	}
	require.Error(t, failErr)
	require.True(t, txn.Done())
}
