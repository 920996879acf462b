// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcpwire

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Lease is the ACK output record of spec §4.3.
type Lease struct {
	IPAddress  net.IP
	SubnetMask net.IPMask
	Gateway    net.IP
	Domain     string
	DNS        []net.IP

	StaticRoutes []Route

	LeaseTimeout     time.Time
	RenewalTimeout   time.Time
	RebindingTimeout time.Time
}

// ParseACK builds a Lease from an ACK message, applying the RFC 3442
// §9.5 override (a classless default route replaces the router-
// derived gateway) and the renewal/rebind defaulting arithmetic of
// spec §4.3. startTime is the transaction's start_time; jitter
// supplies the ±5s randomization for the renewal/rebind defaults.
func ParseACK(ack *dhcpv4.DHCPv4, startTime time.Time, jitter func(lo, hi time.Duration) time.Duration) *Lease {
	l := &Lease{
		IPAddress: ack.YourIPAddr,
	}

	if mask := ack.Options.Get(dhcpv4.OptionSubnetMask); len(mask) == 4 {
		l.SubnetMask = net.IPMask(mask)
	}

	var routerGateway net.IP
	if router := ack.Options.Get(dhcpv4.OptionRouter); len(router) >= 4 {
		routerGateway = net.IP(router[:4])
	}

	if domain := ack.Options.Get(dhcpv4.OptionDomainName); len(domain) > 0 {
		l.Domain = string(domain)
	}

	if dns := ack.Options.Get(dhcpv4.OptionDomainNameServer); len(dns) > 0 {
		for i := 0; i+4 <= len(dns); i += 4 {
			l.DNS = append(l.DNS, net.IP(dns[i:i+4]))
		}
	}

	gateway := routerGateway
	if raw := ack.Options.Get(optClasslessStaticRoute); len(raw) > 0 {
		if routes, err := DecodeClasslessRoutes(raw); err == nil {
			defaultGW, rest := SplitDefaultRoute(routes)
			l.StaticRoutes = rest
			if defaultGW != nil {
				gateway = defaultGW
			}
		}
	}
	l.Gateway = gateway

	var leaseDelta time.Duration
	if raw := ack.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(raw) == 4 {
		leaseDelta = time.Duration(binary.BigEndian.Uint32(raw)) * time.Second
	}
	l.LeaseTimeout = startTime.Add(leaseDelta)

	if raw := ack.Options.Get(optRenewalTimeValue); len(raw) == 4 {
		l.RenewalTimeout = startTime.Add(time.Duration(binary.BigEndian.Uint32(raw)) * time.Second)
	} else {
		half := time.Duration(float64(leaseDelta) * 0.5)
		l.RenewalTimeout = startTime.Add(half).Add(jitter(-5*time.Second, 5*time.Second))
	}

	if raw := ack.Options.Get(optRebindingTimeValue); len(raw) == 4 {
		l.RebindingTimeout = startTime.Add(time.Duration(binary.BigEndian.Uint32(raw)) * time.Second)
	} else {
		rebind := time.Duration(float64(leaseDelta) * 0.875)
		l.RebindingTimeout = startTime.Add(rebind).Add(jitter(-5*time.Second, 5*time.Second))
	}

	return l
}

// ResponseKind classifies an inbound packet for the requestor's
// dispatch table (spec §4.4).
type ResponseKind int

const (
	ResponseUnknown ResponseKind = iota
	ResponseOffer
	ResponseAck
	ResponseNack
)

// ClassifyResponse maps a decoded packet's message type to the
// dispatch kind the requestor routes on (2->offer, 5->ack, 6->nack).
func ClassifyResponse(m *dhcpv4.DHCPv4) ResponseKind {
	switch m.MessageType() {
	case dhcpv4.MessageTypeOffer:
		return ResponseOffer
	case dhcpv4.MessageTypeAck:
		return ResponseAck
	case dhcpv4.MessageTypeNak:
		return ResponseNack
	default:
		return ResponseUnknown
	}
}
