package rewrite

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"apbridged/bridge_common/macnat"
)

func buildIPv4UDPFrame(t *testing.T, dst, src net.HardwareAddr, srcIP, dstIP net.IP, sport, dport int, payload []byte) []byte {
	t.Helper()

	eth := layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	ip4 := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(&ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip4, &udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func buildARPFrame(t *testing.T, dst, src net.HardwareAddr, op uint16, senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) []byte {
	t.Helper()

	eth := layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeARP}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   senderMAC,
		SourceProtAddress: senderIP.To4(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    targetIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &arp))
	return buf.Bytes()
}

func TestUpstreamRewritesSrcMACAndLearnsIP(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	clientMAC := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0x00, 0x00, 0x07}
	clientIP := net.IPv4(192, 168, 1, 42)
	serverMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	frame := buildIPv4UDPFrame(t, net.HardwareAddr{1, 1, 1, 1, 1, 1}, clientMAC,
		clientIP, net.IPv4(8, 8, 8, 8), 54321, 80, []byte("hello"))
	// simulate the frame having arrived with the client's own src MAC, as
	// it would from the AP radio before upstream rewrite runs
	copy(frame[offSrcMAC:offSrcMAC+6], clientMAC)
	_ = serverMAC

	nat := macnat.New()
	Upstream(frame, nat, primary)

	assert.Equal(primary, net.HardwareAddr(frame[offSrcMAC:offSrcMAC+6]))

	got, ok := nat.LookupByIP(clientIP)
	assert.True(ok)
	assert.Equal(clientMAC, got)
}

func TestUpstreamSetsDHCPBroadcastAndZerosChecksum(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	clientMAC := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0x00, 0x00, 0x07}

	dhcpPayload := make([]byte, 240)
	dhcpPayload[0] = 1 // BOOTREQUEST
	// flags field at DHCP offset 10-11 starts unset
	frame := buildIPv4UDPFrame(t, net.HardwareAddr{1, 1, 1, 1, 1, 1}, clientMAC,
		net.IPv4(0, 0, 0, 0), net.IPv4bcast, 68, 67, dhcpPayload)

	nat := macnat.New()
	Upstream(frame, nat, primary)

	dhcpOff := offUDPPayload
	assert.Equal(byte(dhcpBroadcastFlag), frame[dhcpOff+dhcpFlagsOff]&dhcpBroadcastFlag)
	assert.Equal(uint16(0), binary.BigEndian.Uint16(frame[offUDPChecksum:offUDPChecksum+2]))
}

func TestUpstreamRewritesARPSenderMAC(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	clientMAC := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0x00, 0x00, 0x07}
	clientIP := net.IPv4(192, 168, 1, 42)

	frame := buildARPFrame(t, net.HardwareAddr{1, 1, 1, 1, 1, 1}, clientMAC, uint16(layers.ARPReply),
		clientMAC, clientIP, net.HardwareAddr{2, 2, 2, 2, 2, 2}, net.IPv4(192, 168, 1, 1))

	nat := macnat.New()
	Upstream(frame, nat, primary)

	assert.Equal(primary, net.HardwareAddr(frame[offARPSenderMAC:offARPSenderMAC+6]))
	assert.Equal(primary, net.HardwareAddr(frame[offSrcMAC:offSrcMAC+6]))

	got, ok := nat.LookupByIP(clientIP)
	assert.True(ok)
	assert.Equal(clientMAC, got)
}

func TestDownstreamRewritesDstMACFromNAT(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	real := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0x00, 0x00, 0x07}
	clientIP := net.IPv4(192, 168, 1, 42)

	nat := macnat.New()
	nat.Learn(clientIP, real)

	frame := buildIPv4UDPFrame(t, primary, net.HardwareAddr{9, 9, 9, 9, 9, 9},
		net.IPv4(8, 8, 8, 8), clientIP, 80, 54321, []byte("reply"))

	Downstream(frame, nat, primary)

	assert.Equal(real, net.HardwareAddr(frame[offDstMAC:offDstMAC+6]))
}

func TestDownstreamLeavesPrimaryTrafficAlone(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	primaryIP := net.IPv4(192, 168, 1, 3)

	nat := macnat.New()
	nat.Learn(primaryIP, primary)

	frame := buildIPv4UDPFrame(t, primary, net.HardwareAddr{9, 9, 9, 9, 9, 9},
		net.IPv4(8, 8, 8, 8), primaryIP, 80, 54321, []byte("reply"))

	Downstream(frame, nat, primary)

	assert.Equal(primary, net.HardwareAddr(frame[offDstMAC:offDstMAC+6]))
}

func TestDownstreamRewritesARPTarget(t *testing.T) {
	assert := require.New(t)

	primary := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}
	real := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0x00, 0x00, 0x07}
	clientIP := net.IPv4(192, 168, 1, 42)

	nat := macnat.New()
	nat.Learn(clientIP, real)

	frame := buildARPFrame(t, primary, net.HardwareAddr{9, 9, 9, 9, 9, 9}, uint16(layers.ARPReply),
		net.HardwareAddr{9, 9, 9, 9, 9, 9}, net.IPv4(192, 168, 1, 1), primary, clientIP)

	Downstream(frame, nat, primary)

	assert.Equal(real, net.HardwareAddr(frame[offDstMAC:offDstMAC+6]))
	assert.Equal(real, net.HardwareAddr(frame[offARPTargetMAC:offARPTargetMAC+6]))
}
