// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package requestor owns the UDP socket a realm uses to pretend to be
// a DHCP relay agent, demultiplexes inbound OFFER/ACK/NACK packets by
// transaction ID, and hands them to the owning dhcptxn.Transaction.
// It is the Go translation of
// original_source/odr/dhcprequestor.py's DhcpAddressRequestor and
// listeningsocket.py's bind-failure classification.
package requestor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/sys/unix"

	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/dhcptxn"
	daemonerrors "grimm.is/odrelayd/internal/errors"
	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
)

// ErrAddrNotAvailable is returned by New when the requested listen
// address is not available on this host (EADDRNOTAVAIL), distinct
// from a generic bind failure so callers can tell "wrong IP, retry
// later" apart from "programming/permission error".
var ErrAddrNotAvailable = daemonerrors.New(daemonerrors.KindTransient, "listen address not available")

// ErrBindFailed is returned by New for any other socket bind failure.
var ErrBindFailed = daemonerrors.New(daemonerrors.KindResource, "failed to bind listening socket")

// Config describes the socket a Requestor should open.
type Config struct {
	ListenAddress net.IP
	ListenPort    int
	ListenDevice  string // optional, Linux SO_BINDTODEVICE
	Runtime       *eventloop.Runtime
	Clock         clock.Clock
}

// Requestor owns one UDP socket and the set of in-flight transactions
// reading responses from it. All map access happens on the event
// runtime's dispatch goroutine; the pump goroutine only reads bytes
// off the wire and posts decoded packets for dispatch.
type Requestor struct {
	cfg     Config
	conn    *net.UDPConn
	runtime *eventloop.Runtime
	clock   clock.Clock

	transactions map[uint32]*dhcptxn.Transaction

	log *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New opens the listening socket and starts its pump goroutine.
func New(cfg Config) (*Requestor, error) {
	lc := net.ListenConfig{}
	if cfg.ListenDevice != "" {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.BindToDevice(int(fd), cfg.ListenDevice)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		}
	}

	addr := &net.UDPAddr{IP: cfg.ListenAddress, Port: cfg.ListenPort}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		if errors.Is(err, syscall.EADDRNOTAVAIL) {
			return nil, fmt.Errorf("%w: %w", ErrAddrNotAvailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, daemonerrors.New(daemonerrors.KindInternal, "listen packet did not return a UDP connection")
	}

	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}

	r := &Requestor{
		cfg:          cfg,
		conn:         conn,
		runtime:      cfg.Runtime,
		clock:        c,
		transactions: make(map[uint32]*dhcptxn.Transaction),
		log:          logging.Default().WithComponent("requestor"),
		stopCh:       make(chan struct{}),
	}
	go r.pump()
	return r, nil
}

// pump blocks reading datagrams and posts each decoded packet onto
// the runtime for serialized dispatch. It never touches r.transactions
// directly.
func (r *Requestor) pump() {
	buf := make([]byte, 2048)
	for {
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.log.Debug("read failed", "error", err)
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		src := srcAddr
		r.runtime.Post(func() { r.handleDatagram(data, src) })
	}
}

func (r *Requestor) handleDatagram(data []byte, src *net.UDPAddr) {
	pkt, err := dhcpv4.FromBytes(data)
	if err != nil {
		r.log.Debug("ignoring unparseable packet", "error", err)
		return
	}

	var xid uint32
	for i, b := range pkt.TransactionID {
		xid |= uint32(b) << uint(8*(3-i))
	}

	txn, ok := r.transactions[xid]
	if !ok {
		r.log.Debug("ignoring answer with unknown xid", "xid", xid)
		return
	}

	switch kind := classify(pkt); kind {
	case kindOffer:
		txn.HandleOffer(pkt, src.IP, src.Port)
	case kindAck:
		txn.HandleAck(pkt, src.IP, src.Port)
	case kindNack:
		txn.HandleNack(pkt, src.IP, src.Port)
	default:
		r.log.Debug("ignoring packet of unexpected dhcp type", "xid", xid)
	}
}

type responseKind int

const (
	kindUnknown responseKind = iota
	kindOffer
	kindAck
	kindNack
)

func classify(pkt *dhcpv4.DHCPv4) responseKind {
	switch pkt.MessageType() {
	case dhcpv4.MessageTypeOffer:
		return kindOffer
	case dhcpv4.MessageTypeAck:
		return kindAck
	case dhcpv4.MessageTypeNak:
		return kindNack
	default:
		return kindUnknown
	}
}

// SendPacket serializes pkt and writes it to dest:67. It implements
// dhcptxn.Sender.
func (r *Requestor) SendPacket(pkt *dhcpv4.DHCPv4, dest net.IP) error {
	_, err := r.conn.WriteToUDP(pkt.ToBytes(), &net.UDPAddr{IP: dest, Port: 67})
	return err
}

// NewXID produces a random, non-zero transaction ID.
func NewXID() dhcpv4.TransactionID {
	var xid dhcpv4.TransactionID
	for {
		v := rand.Uint32()
		if v != 0 {
			xid[0] = byte(v >> 24)
			xid[1] = byte(v >> 16)
			xid[2] = byte(v >> 8)
			xid[3] = byte(v)
			return xid
		}
	}
}

func xidToUint32(xid dhcpv4.TransactionID) uint32 {
	return uint32(xid[0])<<24 | uint32(xid[1])<<16 | uint32(xid[2])<<8 | uint32(xid[3])
}

// NewTransaction builds a dhcptxn.Transaction wired to this
// Requestor: it registers the transaction under its xid (invariant
// I1) and arranges for HandleOffer/Ack/Nack to be dispatched to it as
// matching responses arrive. The caller must still call txn.Start().
func (r *Requestor) NewTransaction(cfg dhcptxn.Config) *dhcptxn.Transaction {
	cfg.Runtime = r.runtime
	if cfg.Clock == nil {
		cfg.Clock = r.clock
	}
	cfg.Send = r.SendPacket

	key := xidToUint32(cfg.XID)
	userOnDone := cfg.OnDone
	cfg.OnDone = func() {
		delete(r.transactions, key)
		if userOnDone != nil {
			userOnDone()
		}
	}

	txn := dhcptxn.New(cfg)
	r.transactions[key] = txn
	return txn
}

// Close stops the pump goroutine and releases the socket.
func (r *Requestor) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	return r.conn.Close()
}

// ListenDevice returns the device this requestor is bound to, if any.
func (r *Requestor) ListenDevice() string { return r.cfg.ListenDevice }

// LocalAddr returns the socket's bound local address.
func (r *Requestor) LocalAddr() net.Addr { return r.conn.LocalAddr() }
