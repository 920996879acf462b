// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcpwire

import (
	"encoding/binary"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// optRelayAgentInfo and the less common option codes below aren't
// exposed as named constants by every release of
// github.com/insomniacslk/dhcp/dhcpv4, so they're addressed through
// dhcpv4.GenericOptionCode, exactly as this pack's teacher does for
// option 119 in internal/services/dhcp/service_test.go.
var (
	optRenewalTimeValue    = dhcpv4.GenericOptionCode(58)
	optRebindingTimeValue  = dhcpv4.GenericOptionCode(59)
	optRelayAgentInfo      = dhcpv4.GenericOptionCode(82)
	optClasslessStaticRoute = dhcpv4.GenericOptionCode(121)
)

// Skeleton holds the fields common to every outbound packet this
// daemon builds, mirroring spec §4.3's packet skeleton.
type Skeleton struct {
	XID              dhcpv4.TransactionID
	LocalIP          net.IP
	FullUsername     string
	TargetAddr       net.IP // optional, RFC 3527
	RequestedLeaseTime uint32 // 0 means "omit option 51 from the request"
}

// parameterRequestList is the fixed, ordered PRL from spec §4.3:
// classless_static_route must precede router so RFC 3442-aware servers
// suppress the plain router option.
func parameterRequestList() []byte {
	return []byte{
		byte(dhcpv4.OptionSubnetMask),
		byte(optClasslessStaticRoute),
		byte(dhcpv4.OptionRouter),
		byte(dhcpv4.OptionDomainNameServer),
		byte(dhcpv4.OptionDomainName),
		byte(optRenewalTimeValue),
		byte(optRebindingTimeValue),
	}
}

func newSkeleton(s Skeleton) *dhcpv4.DHCPv4 {
	m, _ := dhcpv4.New()
	m.OpCode = dhcpv4.OpcodeBootRequest
	m.HWType = iana.HWTypeEthernet
	m.HopCount = 1
	m.TransactionID = s.XID
	m.GatewayIPAddr = s.LocalIP

	m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte(s.FullUsername)))
	m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionParameterRequestList, parameterRequestList()))

	if s.TargetAddr != nil {
		m.UpdateOption(dhcpv4.OptGeneric(optRelayAgentInfo, EncodeLinkSelection(s.TargetAddr)))
	}
	if s.RequestedLeaseTime > 0 {
		lt := make([]byte, 4)
		binary.BigEndian.PutUint32(lt, s.RequestedLeaseTime)
		m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, lt))
	}
	return m
}

// BuildDiscover constructs the initial DISCOVER packet.
func BuildDiscover(s Skeleton) *dhcpv4.DHCPv4 {
	m := newSkeleton(s)
	dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover)(m)
	return m
}

// BuildRequest constructs the REQUEST that follows a received OFFER.
func BuildRequest(s Skeleton, serverIdentifier []byte, offeredIP net.IP) *dhcpv4.DHCPv4 {
	m := newSkeleton(s)
	dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest)(m)
	if serverIdentifier != nil {
		m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionServerIdentifier, serverIdentifier))
	}
	m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, offeredIP.To4()))
	return m
}

// BuildRefresh constructs a renewal REQUEST with no prior OFFER,
// carrying the currently leased IP.
func BuildRefresh(s Skeleton, leasedIP net.IP) *dhcpv4.DHCPv4 {
	m := newSkeleton(s)
	dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest)(m)
	m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, leasedIP.To4()))
	return m
}
