// Package network holds small, allocation-free helpers for working with
// Ethernet/IPv4 addresses on the data plane. It is deliberately narrow:
// anything that needs a live capture handle or packet construction for
// transmission belongs in the component that owns that concern.
package network

import (
	"bytes"
	"encoding/binary"
	"net"
)

// Well-known addresses used throughout the bridge engine.
var (
	MacZero  = net.HardwareAddr([]byte{0, 0, 0, 0, 0, 0})
	MacBcast = net.HardwareAddr([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	macMcastPrefix = net.HardwareAddr([]byte{0x01, 0x00, 0x5E})
)

// IsMacMulticast reports whether a is an IPv4 multicast MAC
// (01:00:5E:00:00:00 through 01:00:5E:7F:FF:FF).
func IsMacMulticast(a net.HardwareAddr) bool {
	return len(a) == 6 && a[3]&0x80 == 0 && bytes.HasPrefix(a, macMcastPrefix)
}

// IsMacBcastOrMcast reports whether a frame addressed to a should be treated
// as broadcast/multicast for forwarding purposes: the low bit of the first
// octet is the group-address bit in 802 addressing, so this single test
// covers both ff:ff:ff:ff:ff:ff and every multicast MAC in one check, which
// is exactly the test spec.md's forwarder uses (`dst[0] & 1`).
func IsMacBcastOrMcast(a net.HardwareAddr) bool {
	return len(a) == 6 && a[0]&0x01 == 0x01
}

// IsMacZero reports whether a is the all-zero MAC.
func IsMacZero(a net.HardwareAddr) bool {
	return len(a) == 6 && bytes.Equal(a, MacZero)
}

// MacEqual compares two hardware addresses for equality, tolerant of nil.
func MacEqual(a, b net.HardwareAddr) bool {
	return bytes.Equal(a, b)
}

// HWAddrToUint64 encodes a net.HardwareAddr as a uint64, suitable for use as
// a map key without the allocation a string conversion would cost.
func HWAddrToUint64(a net.HardwareAddr) uint64 {
	var buf [8]byte
	copy(buf[2:], a)
	return binary.BigEndian.Uint64(buf[:])
}

// Uint64ToHWAddr decodes a uint64 produced by HWAddrToUint64 back into a
// net.HardwareAddr.
func Uint64ToHWAddr(a uint64) net.HardwareAddr {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], a)
	out := make(net.HardwareAddr, 6)
	copy(out, buf[2:])
	return out
}

// IPv4ToUint32 encodes a net.IP (v4 or v4-in-v6) as a uint32 in host order,
// returning 0 for anything that isn't a valid IPv4 address.
func IPv4ToUint32(ip net.IP) uint32 {
	b := ip.To4()
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint32ToIPv4 decodes a uint32 produced by IPv4ToUint32 back into a net.IP.
func Uint32ToIPv4(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// IsIPv4Zero reports whether ip is the zero address (0.0.0.0) or unset.
func IsIPv4Zero(ip net.IP) bool {
	v4 := ip.To4()
	return v4 == nil || v4.Equal(net.IPv4zero)
}
