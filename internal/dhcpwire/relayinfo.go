// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcpwire

import (
	"errors"
	"net"
)

// linkSelectionSubOption is RFC 3527's relay agent sub-option number
// for the subnet a relay wants an address allocated from.
const linkSelectionSubOption = 5

// ErrMalformedRelayInfo is returned when a relay_agent_information (82)
// payload cannot be parsed as a sequence of <subopt:1><len:1><data>
// TLVs, or the link-selection sub-option isn't a 4-byte IPv4 address.
var ErrMalformedRelayInfo = errors.New("dhcpwire: malformed relay agent information option")

// EncodeLinkSelection builds an option 82 payload containing only the
// RFC 3527 link-selection sub-option, carrying the target subnet's
// network address.
func EncodeLinkSelection(targetAddr net.IP) []byte {
	addr := targetAddr.To4()
	out := make([]byte, 0, 6)
	out = append(out, linkSelectionSubOption, byte(len(addr)))
	out = append(out, addr...)
	return out
}

// DecodeLinkSelection extracts the RFC 3527 link-selection sub-option
// from an option 82 payload, if present.
func DecodeLinkSelection(data []byte) (net.IP, bool, error) {
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, false, ErrMalformedRelayInfo
		}
		sub := data[i]
		length := int(data[i+1])
		i += 2
		if i+length > len(data) {
			return nil, false, ErrMalformedRelayInfo
		}
		value := data[i : i+length]
		i += length
		if sub == linkSelectionSubOption {
			if length != 4 {
				return nil, false, ErrMalformedRelayInfo
			}
			ip := make(net.IP, 4)
			copy(ip, value)
			return ip, true, nil
		}
	}
	return nil, false, nil
}
