// Package forwarder implements the L2 forwarding path (spec.md §4.4): the
// two rx entry points registered on the radio driver while forwarding is
// active, classifying every frame and dispatching it to the rewriter, the
// peer interface, or the local IP stack.
package forwarder

import (
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"apbridged/bridge_common/aputil"
	"apbridged/bridge_common/dhcpsniff"
	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/network"
	"apbridged/bridge_common/rewrite"
	"apbridged/bridge_common/state"
)

const (
	minFrameLen  = 14
	offDstMAC    = 0
	offSrcMAC    = 6
	offEtherType = 12

	etherTypeIPv4 = 0x0800

	offIPv4Proto = 14 + 9
	offUDPPorts  = 34

	protoUDP       = 17
	dhcpServerPort = 67
	dhcpClientPort = 68
)

// Forwarder wires the radio driver's rx callbacks to the rewriter, the
// MAC-NAT table and the DHCP sniffer. Its methods are safe to call from
// the driver's rx callback context: they never block, never take the
// MAC-change mutex, and never allocate beyond the occasional net.IP/
// net.HardwareAddr slice header already implied by spec.md's data model.
type Forwarder struct {
	radio driver.RadioDriver
	ip    driver.IPStack
	br    *state.Bridge
	nat   *macnat.Table

	// onAPSubnet is invoked synchronously from the STA rx callback the
	// first time the sniffer derives an AP subnet, wiring component B's
	// output to whoever installs it on the AP netif; it must not block.
	onAPSubnet func(dhcpsniff.Subnet)

	slog    *zap.SugaredLogger
	dropLog *aputil.ThrottledLogger
}

// New builds a Forwarder.
func New(radio driver.RadioDriver, ip driver.IPStack, br *state.Bridge, nat *macnat.Table, slog *zap.SugaredLogger, onAPSubnet func(dhcpsniff.Subnet)) *Forwarder {
	f := &Forwarder{
		radio:      radio,
		ip:         ip,
		br:         br,
		nat:        nat,
		onAPSubnet: onAPSubnet,
		slog:       slog,
	}
	f.dropLog = aputil.GetThrottledLogger(slog, time.Second, time.Minute)
	return f
}

// Start registers both rx callbacks and disables radio power-save for rx
// latency (spec.md §4.4). Idempotent.
func (f *Forwarder) Start() error {
	if f.br.ForwardingActive.IsSet() {
		return nil
	}
	if err := f.radio.SetPowerSave(false); err != nil {
		return err
	}
	if err := f.radio.RegisterRx(state.IfaceSta, f.onSTARx); err != nil {
		return err
	}
	if err := f.radio.RegisterRx(state.IfaceAp, f.onAPRx); err != nil {
		_ = f.radio.RegisterRx(state.IfaceSta, nil)
		return err
	}
	f.br.ForwardingActive.Set()
	f.slog.Infow("forwarding started")
	return nil
}

// Stop unregisters both rx callbacks and restores minimum modem sleep.
// Idempotent.
func (f *Forwarder) Stop() error {
	if !f.br.ForwardingActive.IsSet() {
		return nil
	}
	_ = f.radio.RegisterRx(state.IfaceSta, nil)
	_ = f.radio.RegisterRx(state.IfaceAp, nil)
	f.br.ForwardingActive.UnSet()
	f.slog.Infow("forwarding stopped")
	return f.radio.SetPowerSave(true)
}

// onSTARx is the rx callback for frames arriving on the STA interface
// (spec.md §4.4 "STA rx").
func (f *Forwarder) onSTARx(buf []byte) {
	if buf == nil {
		return
	}
	if len(buf) < minFrameLen {
		f.radio.FreeRxBuffer(buf)
		return
	}

	if len(buf) >= dhcpsniff.MinFrameLen && isServerToClientDHCP(buf) {
		if subnet := dhcpsniff.Sniff(buf, f.nat, f.br.APIPFromSniff.IsSet()); subnet != nil {
			f.br.APIPFromSniff.Set()
			if f.onAPSubnet != nil {
				f.onAPSubnet(*subnet)
			}
		}
	}

	dst := net.HardwareAddr(buf[offDstMAC : offDstMAC+6])
	bcastOrMcast := network.IsMacBcastOrMcast(dst)

	if !bcastOrMcast && f.br.ClientCount() > 1 {
		rewrite.Downstream(buf, f.nat, f.currentPrimary())
	}

	if err := f.radio.Tx(state.IfaceAp, buf); err != nil {
		f.dropLog.Warnf("tx to ap failed: %v", err)
	}

	switch {
	case bcastOrMcast:
		if err := f.ip.Receive(state.IfaceAp, buf); err != nil {
			f.dropLog.Warnf("ip stack receive (broadcast) failed: %v", err)
		}
	case network.MacEqual(dst, f.br.OriginalStaMAC) || network.MacEqual(dst, f.currentPrimary()):
		if err := f.ip.Receive(state.IfaceSta, buf); err != nil {
			f.dropLog.Warnf("ip stack receive (local) failed: %v", err)
		}
	default:
		f.radio.FreeRxBuffer(buf)
	}
}

// onAPRx is the rx callback for frames arriving on the AP interface
// (spec.md §4.4 "AP rx").
func (f *Forwarder) onAPRx(buf []byte) {
	if buf == nil {
		return
	}
	if len(buf) < minFrameLen {
		f.radio.FreeRxBuffer(buf)
		return
	}

	src := net.HardwareAddr(buf[offSrcMAC : offSrcMAC+6])
	dst := net.HardwareAddr(buf[offDstMAC : offDstMAC+6])
	bcastOrMcast := network.IsMacBcastOrMcast(dst)

	if !bcastOrMcast && f.br.ClientCount() > 1 {
		primary := f.currentPrimary()
		if !network.MacEqual(src, primary) {
			rewrite.Upstream(buf, f.nat, primary)
		}
	}

	switch {
	case bcastOrMcast:
		if f.br.StaConnected.IsSet() {
			if err := f.radio.Tx(state.IfaceSta, buf); err != nil {
				f.dropLog.Warnf("tx to sta failed: %v", err)
			}
		}
		if err := f.ip.Receive(state.IfaceAp, buf); err != nil {
			f.dropLog.Warnf("ip stack receive (broadcast) failed: %v", err)
		}
	case network.MacEqual(dst, f.br.APMAC):
		if err := f.ip.Receive(state.IfaceAp, buf); err != nil {
			f.dropLog.Warnf("ip stack receive (local) failed: %v", err)
		}
	default:
		if err := f.radio.Tx(state.IfaceSta, buf); err != nil {
			f.dropLog.Warnf("tx to sta failed: %v", err)
		}
		f.radio.FreeRxBuffer(buf)
	}
}

func (f *Forwarder) currentPrimary() net.HardwareAddr {
	f.br.Mu.Lock()
	defer f.br.Mu.Unlock()
	return f.br.PrimaryClientMAC
}

func isServerToClientDHCP(frame []byte) bool {
	if len(frame) < offUDPPorts+4 {
		return false
	}
	if binary.BigEndian.Uint16(frame[offEtherType:offEtherType+2]) != etherTypeIPv4 {
		return false
	}
	if frame[offIPv4Proto] != protoUDP {
		return false
	}
	sport := binary.BigEndian.Uint16(frame[offUDPPorts : offUDPPorts+2])
	dport := binary.BigEndian.Uint16(frame[offUDPPorts+2 : offUDPPorts+4])
	return sport == dhcpServerPort && dport == dhcpClientPort
}
