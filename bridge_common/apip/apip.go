// Package apip implements the AP-netif IP surfacer (spec.md §4.7): keeping
// the soft-AP's own address either mirroring the STA's upstream lease or
// parked on the management fallback, so a bridged client can always reach
// the device.
package apip

import (
	"net"

	"go.uber.org/zap"

	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/state"
)

// ManagementIP is the AP netif's address when there is no upstream lease to
// mirror (spec.md §4.7 "Restore management IP").
var ManagementIP = net.IPv4(192, 168, 4, 1)

// ManagementMask is the management fallback's netmask, /24.
var ManagementMask = net.CIDRMask(24, 32)

// linkLocalNet is 169.254.0.0/16, the dummy range clonefsm installs on the
// STA netif during a MAC-change transaction (spec.md §4.5 step 4). A gotIp
// event carrying an address in this range is that dummy, not a real lease.
var linkLocalNet = &net.IPNet{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}

// Surfacer owns the AP netif's IP configuration.
type Surfacer struct {
	ip   driver.IPStack
	slog *zap.SugaredLogger
}

// New builds a Surfacer.
func New(ip driver.IPStack, slog *zap.SugaredLogger) *Surfacer {
	return &Surfacer{ip: ip, slog: slog}
}

// MirrorSTAIP implements spec.md §4.7's "mirror STA IP": once the uplink has
// a real lease, the AP netif takes the same address so a bridged client can
// reach the management surface at the address the STA holds. Zero and
// link-local addresses (the clone transaction's dummy) are ignored.
func (s *Surfacer) MirrorSTAIP(ip net.IP, mask net.IPMask) error {
	if ip == nil || ip.IsUnspecified() || linkLocalNet.Contains(ip) {
		return nil
	}

	if err := s.ip.StopDHCPServer(state.IfaceAp); err != nil {
		s.slog.Warnw("stop ap dhcp server before mirroring sta ip", "error", err)
	}
	if err := s.ip.SetStaticIP(state.IfaceAp, ip, mask, nil); err != nil {
		return err
	}
	s.slog.Infow("ap netif now mirrors sta ip", "ip", ip)
	return nil
}

// RestoreManagement implements spec.md §4.7's "restore management IP": used
// before the STA ever has an uplink, and whenever it loses its lease.
func (s *Surfacer) RestoreManagement() error {
	if err := s.ip.StopDHCPServer(state.IfaceAp); err != nil {
		s.slog.Warnw("stop ap dhcp server before restoring management ip", "error", err)
	}
	if err := s.ip.SetStaticIP(state.IfaceAp, ManagementIP, ManagementMask, ManagementIP); err != nil {
		return err
	}
	return s.ip.StartDHCPServer(state.IfaceAp)
}
