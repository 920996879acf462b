// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dhcptxn implements the per-XID DHCP address-acquisition
// state machine of spec §4.3, ported from
// original_source/odr/dhcprequestor.py's AR_DISCOVER/AR_REQUEST state
// machine and its base-packet/timeout/retry logic.
package dhcptxn

import (
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/dhcpwire"
	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
)

// Kind distinguishes a fresh address acquisition from a renewal.
type Kind int

const (
	KindInitial Kind = iota
	KindRefresh
)

type state int

const (
	stateDiscover state = iota
	stateRequest
	stateDone
)

const (
	initialTimeout    = 4 * time.Second
	defaultMaxRetries = 3
	jitterSpread      = time.Second
)

// Sender is the subset of Requestor a transaction needs: the ability
// to put a packet on the wire to a specific server.
type Sender func(pkt *dhcpv4.DHCPv4, dest net.IP) error

// Config constructs a Transaction.
type Config struct {
	XID          dhcpv4.TransactionID
	Runtime      *eventloop.Runtime
	Clock        clock.Clock
	Send         Sender
	Kind         Kind
	ServerIPs    []net.IP
	LocalIP      net.IP
	TargetAddr   net.IP
	Username     string
	LeaseTime    uint32
	LeasedIP     net.IP // required for KindRefresh
	MaxRetries   int
	// InitialTimeout overrides the spec's 4s default; tests use this to
	// exercise retry/backoff without real 4s+8s+16s+32s waits.
	InitialTimeout time.Duration
	// JitterSpread overrides the spec's ±1s default.
	JitterSpread time.Duration
	OnSuccess    func(*dhcpwire.Lease)
	OnFailure    func(error)
	// OnDone is invoked exactly once, before OnSuccess/OnFailure, so the
	// owning Requestor can remove the transaction from its xid map
	// (invariant I1) before any terminal callback observes it.
	OnDone func()
}

// Transaction is the single state machine of spec §4.3. It is
// exclusively owned by the requestor that constructed it and must
// only be driven from the event runtime's dispatch goroutine.
type Transaction struct {
	cfg   Config
	clock clock.Clock

	state        state
	serverIPs    []net.IP
	timeout      time.Duration
	jitterSpread time.Duration
	retries      int
	maxRetries   int
	startTime    time.Time
	lastPacket   *dhcpv4.DHCPv4
	timer        *eventloop.Timer
	done         bool

	log *logging.Logger
}

// New constructs a Transaction without starting it; call Start to
// send the first packet and arm the first timeout.
func New(cfg Config) *Transaction {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	timeout := cfg.InitialTimeout
	if timeout == 0 {
		timeout = initialTimeout
	}
	spread := cfg.JitterSpread
	if spread == 0 {
		spread = jitterSpread
	}
	serverIPs := make([]net.IP, len(cfg.ServerIPs))
	copy(serverIPs, cfg.ServerIPs)

	return &Transaction{
		cfg:          cfg,
		clock:        c,
		serverIPs:    serverIPs,
		timeout:      timeout,
		jitterSpread: spread,
		maxRetries:   maxRetries,
		log:          logging.Default().WithComponent("dhcptxn"),
	}
}

// Start sends the first packet of the transaction: a DISCOVER to
// every server for a fresh acquisition, or a refresh REQUEST for a
// renewal (which begins directly in the request state, per spec).
func (t *Transaction) Start() {
	t.startTime = t.clock.Now()
	skeleton := dhcpwire.Skeleton{
		XID:                t.cfg.XID,
		LocalIP:            t.cfg.LocalIP,
		FullUsername:       t.cfg.Username,
		TargetAddr:         t.cfg.TargetAddr,
		RequestedLeaseTime: t.cfg.LeaseTime,
	}

	switch t.cfg.Kind {
	case KindRefresh:
		t.state = stateRequest
		t.lastPacket = dhcpwire.BuildRefresh(skeleton, t.cfg.LeasedIP)
	default:
		t.state = stateDiscover
		t.lastPacket = dhcpwire.BuildDiscover(skeleton)
	}
	t.sendToAll(t.lastPacket)
	t.armTimer()
}

func (t *Transaction) initialTimeout() time.Duration {
	if t.cfg.InitialTimeout > 0 {
		return t.cfg.InitialTimeout
	}
	return initialTimeout
}

func (t *Transaction) sendToAll(pkt *dhcpv4.DHCPv4) {
	for _, ip := range t.serverIPs {
		if err := t.cfg.Send(pkt, ip); err != nil {
			t.log.Debug("send failed", "server", ip.String(), "error", err)
		}
	}
}

func (t *Transaction) armTimer() {
	jitter := t.clock.Jitter(-t.jitterSpread, t.jitterSpread)
	randomized := t.timeout + jitter
	if randomized < 0 {
		randomized = 0
	}
	t.timer = t.cfg.Runtime.ScheduleAt(t.clock.Now().Add(randomized), t.onTimeout)
}

func (t *Transaction) cancelTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}

func (t *Transaction) onTimeout() {
	if t.done {
		return
	}
	if t.retries >= t.maxRetries {
		t.terminateFailure(errExhaustedRetries)
		return
	}
	t.retries++
	t.timeout *= 2
	t.sendToAll(t.lastPacket)
	t.armTimer()
}

// fromKnownServer reports whether src is one of the transaction's
// current candidate servers, the ingress-filter check that spec §4.3
// places on the handling transaction rather than the requestor.
func (t *Transaction) fromKnownServer(src net.IP) bool {
	for _, ip := range t.serverIPs {
		if ip.Equal(src) {
			return true
		}
	}
	return false
}

// HandleOffer processes a candidate OFFER. src is the packet's source
// IP; udpSrcPort is its UDP source port.
func (t *Transaction) HandleOffer(offer *dhcpv4.DHCPv4, src net.IP, udpSrcPort int) {
	if t.done || t.state != stateDiscover {
		return
	}
	if udpSrcPort != 67 || !t.fromKnownServer(src) {
		t.log.Debug("dropping offer from unexpected source", "src", src.String(), "port", udpSrcPort)
		return
	}
	t.cancelTimer()

	serverIdentifier := offer.Options.Get(dhcpv4.OptionServerIdentifier)
	if len(t.serverIPs) > 1 {
		if len(serverIdentifier) == 4 {
			t.serverIPs = []net.IP{net.IP(serverIdentifier)}
		} else {
			t.log.Debug("offer missing server identifier, keeping full server list")
		}
	}

	skeleton := dhcpwire.Skeleton{
		XID:                t.cfg.XID,
		LocalIP:            t.cfg.LocalIP,
		FullUsername:       t.cfg.Username,
		TargetAddr:         t.cfg.TargetAddr,
		RequestedLeaseTime: t.cfg.LeaseTime,
	}
	t.state = stateRequest
	t.retries = 0
	t.timeout = t.initialTimeout()
	t.lastPacket = dhcpwire.BuildRequest(skeleton, serverIdentifier, offer.YourIPAddr)
	t.sendToAll(t.lastPacket)
	t.armTimer()
}

// HandleAck processes a candidate ACK. An ACK lacking an IP address
// lease time option is a protocol failure (spec §7), not a lease with
// a zero duration: accepting it would hand the renewal timer a
// LeaseTimeout equal to startTime and force a near-immediate rebind.
func (t *Transaction) HandleAck(ack *dhcpv4.DHCPv4, src net.IP, udpSrcPort int) {
	if t.done || t.state != stateRequest {
		return
	}
	if udpSrcPort != 67 || !t.fromKnownServer(src) {
		t.log.Debug("dropping ack from unexpected source", "src", src.String(), "port", udpSrcPort)
		return
	}
	t.cancelTimer()
	if len(ack.Options.Get(dhcpv4.OptionIPAddressLeaseTime)) != 4 {
		t.terminateFailure(errMissingLeaseTime)
		return
	}
	lease := dhcpwire.ParseACK(ack, t.startTime, t.clock.Jitter)
	t.terminateSuccess(lease)
}

// HandleNack processes a candidate NACK.
func (t *Transaction) HandleNack(nack *dhcpv4.DHCPv4, src net.IP, udpSrcPort int) {
	if t.done || t.state != stateRequest {
		return
	}
	if udpSrcPort != 67 || !t.fromKnownServer(src) {
		t.log.Debug("dropping nack from unexpected source", "src", src.String(), "port", udpSrcPort)
		return
	}
	t.cancelTimer()
	t.terminateFailure(errNack)
}

func (t *Transaction) terminateSuccess(lease *dhcpwire.Lease) {
	if t.done {
		return
	}
	t.done = true
	t.state = stateDone
	t.cancelTimer()
	if t.cfg.OnDone != nil {
		t.cfg.OnDone()
	}
	if t.cfg.OnSuccess != nil {
		t.cfg.OnSuccess(lease)
	}
}

func (t *Transaction) terminateFailure(err error) {
	if t.done {
		return
	}
	t.done = true
	t.state = stateDone
	t.cancelTimer()
	if t.cfg.OnDone != nil {
		t.cfg.OnDone()
	}
	if t.cfg.OnFailure != nil {
		t.cfg.OnFailure(err)
	}
}

// Done reports whether the transaction has already reached a terminal
// state.
func (t *Transaction) Done() bool { return t.done }
