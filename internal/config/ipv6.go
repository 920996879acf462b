// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"net"
)

// AssignIPv6 deterministically derives an IPv6 host address within
// realm within the realm's configured subnet from fullUsername and
// date (an ISO-8601 calendar date, e.g. "2026-07-30"), ported from
// odrd.py's OvpnCmdConn._success_handler IPv6 block: the network
// address of subnet plus the first 64 bits of
// sha256(full_username + date + secret), interpreted as a big
// integer added to the network address.
//
// It is a pure function of its arguments so that the same client
// reconnecting the same day is assigned the same address, without any
// persisted lease state.
func AssignIPv6(subnet *net.IPNet, secret SecureString, fullUsername, date string) net.IP {
	if subnet == nil {
		return nil
	}

	hasher := sha256.New()
	hasher.Write([]byte(fullUsername))
	hasher.Write([]byte(date))
	hasher.Write([]byte(secret))
	digest := hasher.Sum(nil)
	hashHex := hex.EncodeToString(digest)[:16]

	offset := new(big.Int)
	offset.SetString(hashHex, 16)

	network := new(big.Int).SetBytes(subnet.IP.To16())
	addr := new(big.Int).Add(network, offset)

	addrBytes := addr.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(addrBytes):], addrBytes)
	return net.IP(out)
}

// AssignIPv6Gateway returns the realm's configured IPv6 gateway if
// one was set explicitly, or else the subnet's network address plus
// one, matching odrd.py's fallback.
func AssignIPv6Gateway(subnet *net.IPNet, configured net.IP) net.IP {
	if configured != nil {
		return configured
	}
	if subnet == nil {
		return nil
	}
	network := new(big.Int).SetBytes(subnet.IP.To16())
	network.Add(network, big.NewInt(1))
	gwBytes := network.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(gwBytes):], gwBytes)
	return net.IP(out)
}
