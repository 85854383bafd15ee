// Package rewrite performs the in-place MAC-NAT rewriting spec.md §4.3
// describes. It operates directly on the driver-owned rx buffer with fixed
// byte offsets rather than a full gopacket decode: this code runs on every
// unicast frame while forwarding_active, so it avoids both allocation and
// the cost of gopacket's general-purpose layer machinery, matching spec.md
// §9's "explicit bounds checks... no allocation" guidance for rx-fastpath
// parsing. gopacket is used elsewhere (dhcpsniff, and this package's own
// tests) where decode cost doesn't matter.
package rewrite

import (
	"encoding/binary"
	"net"

	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/network"
)

// Ethernet frame layout, per spec.md §4.3.
const (
	offDstMAC     = 0
	offSrcMAC     = 6
	offEtherType  = 12
	offEthPayload = 14

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
)

// IPv4 offsets, relative to the start of the Ethernet frame (14 + IPv4
// header field offsets, assuming no 802.1Q tag and a 20-byte IPv4 header
// with no options, as spec.md's fixed offsets imply).
const (
	offIPv4Proto  = 14 + 9
	offIPv4SrcIP  = 14 + 12
	offIPv4DstIP  = 14 + 16
	minIPv4FrameLen = 34

	protoUDP = 17
)

// UDP + DHCP offsets, relative to the start of the Ethernet frame.
const (
	udpHeaderOff  = 34
	offUDPSrcPort = udpHeaderOff + 0
	offUDPDstPort = udpHeaderOff + 2
	offUDPChecksum = udpHeaderOff + 6
	offUDPPayload = udpHeaderOff + 8

	dhcpClientPort = 68
	dhcpServerPort = 67

	dhcpFlagsOff = 10 // relative to start of DHCP payload
	dhcpBroadcastFlag = 0x80
)

// ARP offsets, relative to the start of the Ethernet frame.
const (
	offARPSenderMAC = 14 + 8
	offARPSenderIP  = 14 + 14
	offARPTargetMAC = 14 + 18
	offARPTargetIP  = 14 + 24
	minARPFrameLen  = 42
)

// Upstream rewrites a frame travelling AP→STA before it leaves the STA
// interface. It is only ever called for unicast, non-primary-client
// traffic while more than one client is associated (spec.md §4.3's
// precondition, enforced by the caller in bridge_common/forwarder).
func Upstream(frame []byte, nat *macnat.Table, primary net.HardwareAddr) {
	if len(frame) < offEthPayload {
		return
	}

	etherType := binary.BigEndian.Uint16(frame[offEtherType : offEtherType+2])

	switch etherType {
	case etherTypeIPv4:
		if len(frame) >= minIPv4FrameLen {
			srcIP := net.IP(frame[offIPv4SrcIP : offIPv4SrcIP+4])
			srcMAC := net.HardwareAddr(frame[offSrcMAC : offSrcMAC+6])
			nat.Learn(srcIP, srcMAC)

			if frame[offIPv4Proto] == protoUDP && len(frame) >= offUDPPayload+dhcpFlagsOff+2 {
				sport := binary.BigEndian.Uint16(frame[offUDPSrcPort : offUDPSrcPort+2])
				dport := binary.BigEndian.Uint16(frame[offUDPDstPort : offUDPDstPort+2])
				if sport == dhcpClientPort && dport == dhcpServerPort {
					// The upstream DHCP server would otherwise unicast its
					// reply to chaddr; once we're filtering on the
					// impersonated MAC the radio drops it. Forcing the
					// client's own BROADCAST flag makes the server
					// broadcast the reply instead (spec.md §4.3, §8 P8).
					frame[offUDPPayload+dhcpFlagsOff] |= dhcpBroadcastFlag
					// RFC 768 permits a zero UDP checksum over IPv4.
					frame[offUDPChecksum] = 0
					frame[offUDPChecksum+1] = 0
				}
			}
		}

	case etherTypeARP:
		if len(frame) >= minARPFrameLen {
			senderIP := net.IP(frame[offARPSenderIP : offARPSenderIP+4])
			senderMAC := net.HardwareAddr(frame[offARPSenderMAC : offARPSenderMAC+6])
			nat.Learn(senderIP, senderMAC)
			copy(frame[offARPSenderMAC:offARPSenderMAC+6], primary)
		}
	}

	copy(frame[offSrcMAC:offSrcMAC+6], primary)
}

// Downstream rewrites a frame travelling STA→AP before it is forwarded to
// the real client. Same precondition as Upstream: unicast, client_count>1.
func Downstream(frame []byte, nat *macnat.Table, primary net.HardwareAddr) {
	if len(frame) < offEthPayload {
		return
	}

	etherType := binary.BigEndian.Uint16(frame[offEtherType : offEtherType+2])

	switch etherType {
	case etherTypeIPv4:
		if len(frame) >= minIPv4FrameLen {
			dstIP := net.IP(frame[offIPv4DstIP : offIPv4DstIP+4])
			if real, ok := nat.LookupByIP(dstIP); ok && !network.MacEqual(real, primary) {
				copy(frame[offDstMAC:offDstMAC+6], real)
			}
		}

	case etherTypeARP:
		if len(frame) >= minARPFrameLen {
			targetIP := net.IP(frame[offARPTargetIP : offARPTargetIP+4])
			if real, ok := nat.LookupByIP(targetIP); ok && !network.MacEqual(real, primary) {
				copy(frame[offDstMAC:offDstMAC+6], real)
				copy(frame[offARPTargetMAC:offARPTargetMAC+6], real)
			}
		}
	}
}
