// Package dhcpsniff implements the passive DHCP ACK sniffer (spec.md
// §4.2): it watches server→client BOOTREPLY traffic flowing through the
// forwarder, learns the client's real MAC into the MAC-NAT table, and, the
// first time it sees one, derives the AP's mirrored subnet and a candidate
// management IP from the lease.
//
// Parsing is split from effects (macnat.Learn, subnet derivation) so the
// validation step is a pure, fuzz-testable function of a byte slice, per
// spec.md §9's design note on untrusted-frame parsers.
package dhcpsniff

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	dhcp "github.com/krolaw/dhcp4"

	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/network"
)

// MinFrameLen is the minimum complete-frame length spec.md §4.2 requires
// before a frame is even offered to Sniff. The forwarder checks this
// before dispatching, matching the spec's "Input: ... length >= 286".
const MinFrameLen = 286

const dhcpCookieOffset = 236

var dhcpMagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// Ack is the result of successfully validating a DHCPACK payload: the
// fields spec.md §4.2 names explicitly.
type Ack struct {
	YIAddr  net.IP
	CHAddr  net.HardwareAddr
	Mask    net.IPMask
	Gateway net.IP
}

// ParseAck validates a raw BOOTP/DHCP payload (the UDP payload of a
// server→client packet already known to be port 67→68) against spec.md
// §4.2's ordered checks, returning nil on any failure. It never panics on
// truncated or malformed input: every offset access is bounds-checked
// first.
func ParseAck(payload []byte) *Ack {
	if len(payload) < 240 {
		return nil
	}

	p := dhcp.Packet(payload)
	if p.OpCode() != dhcp.BootReply {
		return nil
	}

	var cookie [4]byte
	copy(cookie[:], payload[dhcpCookieOffset:dhcpCookieOffset+4])
	if cookie != dhcpMagicCookie {
		return nil
	}

	opts := p.ParseOptions()

	mt, ok := opts[dhcp.OptionDHCPMessageType]
	if !ok || len(mt) != 1 || dhcp.MessageType(mt[0]) != dhcp.ACK {
		return nil
	}

	maskBytes, ok := opts[dhcp.OptionSubnetMask]
	if !ok || len(maskBytes) != 4 {
		return nil
	}

	routerBytes, ok := opts[dhcp.OptionRouter]
	if !ok || len(routerBytes) < 4 {
		return nil
	}

	yiaddr := p.YIAddr()
	if yiaddr == nil || network.IsIPv4Zero(yiaddr) {
		return nil
	}

	chaddr := p.CHAddr()
	if len(chaddr) < 6 {
		return nil
	}

	return &Ack{
		YIAddr:  append(net.IP(nil), yiaddr.To4()...),
		CHAddr:  append(net.HardwareAddr(nil), chaddr[:6]...),
		Mask:    net.IPMask(append([]byte(nil), maskBytes[:4]...)),
		Gateway: append(net.IP(nil), routerBytes[:4]...),
	}
}

// Subnet is what Sniff derives from the first valid ACK it sees: the AP
// candidate address to install, alongside the mask/gateway to pair with it
// (spec.md §4.2 step 3).
type Subnet struct {
	Candidate net.IP
	Mask      net.IPMask
	Gateway   net.IP
}

// Sniff inspects a complete Ethernet frame already known by the caller to
// be IPv4/UDP with src port 67, dst port 68 and length >= MinFrameLen
// (spec.md §4.2's "Input:" clause — the forwarder enforces this before
// calling in). On a valid DHCPACK it unconditionally learns (yiaddr,
// chaddr) into nat. If apIPAlreadySet is false, it additionally computes
// the AP subnet to install and returns it; once the caller has installed
// one, it should pass apIPAlreadySet=true on every subsequent call so this
// step is skipped (spec.md §4.2 step 2).
func Sniff(frame []byte, nat *macnat.Table, apIPAlreadySet bool) *Subnet {
	var eth layers.Ethernet
	var ip4 layers.IPv4
	var udp layers.UDP

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &udp)
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 3)
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil
	}

	ack := ParseAck(udp.Payload)
	if ack == nil {
		return nil
	}

	nat.Learn(ack.YIAddr, ack.CHAddr)

	if apIPAlreadySet {
		return nil
	}

	candidate := chooseAPCandidate(ack.YIAddr, ack.Mask, ack.Gateway)
	if candidate == nil {
		return nil
	}

	return &Subnet{
		Candidate: candidate,
		Mask:      ack.Mask,
		Gateway:   ack.Gateway,
	}
}

// chooseAPCandidate picks the highest usable host address in the subnet
// (yiaddr & mask) .. (broadcast - 1), skipping yiaddr and the gateway.
// Following spec.md §4.2 step 3: if none of the top ten candidates works,
// fall back to yiaddr +/- 1, still inside the subnet.
func chooseAPCandidate(yiaddr net.IP, mask net.IPMask, gw net.IP) net.IP {
	netU := network.IPv4ToUint32(yiaddr.Mask(mask))
	maskU := network.IPv4ToUint32(net.IP(mask))
	bcastU := netU | ^maskU
	yiaddrU := network.IPv4ToUint32(yiaddr)
	gwU := network.IPv4ToUint32(gw)

	cand := bcastU - 1
	for i := 0; i < 10 && cand > netU; i, cand = i+1, cand-1 {
		if cand == yiaddrU || cand == gwU {
			continue
		}
		return network.Uint32ToIPv4(cand)
	}

	for _, delta := range [2]int64{1, -1} {
		c := int64(yiaddrU) + delta
		if c <= int64(netU) || c >= int64(bcastU) {
			continue
		}
		cu := uint32(c)
		if cu == gwU {
			continue
		}
		return network.Uint32ToIPv4(cu)
	}

	return nil
}
