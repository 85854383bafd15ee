// Package netlinkdrv is a concrete driver.IPStack for Linux, built on
// github.com/vishvananda/netlink the way bg/ap_common/netctl manages
// bridge/wireguard netifs: netlink.LinkByName to resolve an interface,
// netlink.AddrAdd/AddrDel to (re)configure it, netlink.LinkSetUp to bring
// it up. DHCP service is layered on top using the pack's own DHCP stack
// (github.com/krolaw/dhcp4 for the AP-side server, matching
// ap.serviced/dhcp4.go's use of the same library) and an external dhclient
// process for the STA side, since the bridge engine's DHCP client, unlike
// its server, never needs to inspect the lease (the event router learns the
// resulting IP from the driver.EventBus gotIp event, not by parsing the
// client's output).
package netlinkdrv

import (
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/krolaw/dhcp4"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"apbridged/bridge_common/state"
)

// Stack implements driver.IPStack against real Linux netifs.
type Stack struct {
	ifnames map[state.Iface]string
	slog    *zap.SugaredLogger

	mu        sync.Mutex
	dhclients map[state.Iface]*exec.Cmd
	dhcpds    map[state.Iface]*dhcpServer
}

// New builds a Stack for the given interface names.
func New(staIfname, apIfname string, slog *zap.SugaredLogger) *Stack {
	return &Stack{
		ifnames: map[state.Iface]string{
			state.IfaceSta: staIfname,
			state.IfaceAp:  apIfname,
		},
		slog:      slog,
		dhclients: make(map[state.Iface]*exec.Cmd),
		dhcpds:    make(map[state.Iface]*dhcpServer),
	}
}

func (s *Stack) link(iface state.Iface) (netlink.Link, error) {
	name, ok := s.ifnames[iface]
	if !ok {
		return nil, fmt.Errorf("netlinkdrv: no interface configured for %s", iface)
	}
	return netlink.LinkByName(name)
}

// SetStaticIP implements driver.IPStack.
func (s *Stack) SetStaticIP(iface state.Iface, ip net.IP, mask net.IPMask, gw net.IP) error {
	link, err := s.link(iface)
	if err != nil {
		return err
	}

	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netlinkdrv: list existing addrs: %w", err)
	}
	for i := range existing {
		if err := netlink.AddrDel(link, &existing[i]); err != nil {
			s.slog.Warnw("remove stale address before set_static_ip", "iface", iface, "error", err)
		}
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netlinkdrv: add address: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlinkdrv: link up: %w", err)
	}

	if gw != nil && !gw.IsUnspecified() {
		route := netlink.Route{LinkIndex: link.Attrs().Index, Gw: gw}
		if err := netlink.RouteAdd(&route); err != nil {
			s.slog.Warnw("add default route", "iface", iface, "gw", gw, "error", err)
		}
	}
	return nil
}

// StartDHCPClient implements driver.IPStack by spawning dhclient bound to
// the interface. The lease it obtains reaches the event router through the
// platform's gotIp event, not through this process's output.
func (s *Stack) StartDHCPClient(iface state.Iface) error {
	name, err := s.ifname(iface)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.dhclients[iface]; running {
		return nil
	}

	cmd := exec.Command("dhclient", "-nw", "-pf", fmt.Sprintf("/run/dhclient.%s.pid", name), name)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("netlinkdrv: start dhclient: %w", err)
	}
	s.dhclients[iface] = cmd
	return nil
}

// StopDHCPClient implements driver.IPStack.
func (s *Stack) StopDHCPClient(iface state.Iface) error {
	s.mu.Lock()
	cmd, running := s.dhclients[iface]
	delete(s.dhclients, iface)
	s.mu.Unlock()

	if !running {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("netlinkdrv: stop dhclient: %w", err)
	}
	return cmd.Wait()
}

// StartDHCPServer implements driver.IPStack using a minimal krolaw/dhcp4
// handler bound to the interface's current static address: each client MAC
// gets one lease from the range rooted at whatever SetStaticIP most
// recently configured.
func (s *Stack) StartDHCPServer(iface state.Iface) error {
	name, err := s.ifname(iface)
	if err != nil {
		return err
	}
	link, err := s.link(iface)
	if err != nil {
		return err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("netlinkdrv: no ipv4 address on %s to serve dhcp from", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.dhcpds[iface]; running {
		return nil
	}

	srv := newDHCPServer(addrs[0].IPNet, s.slog)
	s.dhcpds[iface] = srv
	go srv.run(name)
	return nil
}

// StopDHCPServer implements driver.IPStack.
func (s *Stack) StopDHCPServer(iface state.Iface) error {
	s.mu.Lock()
	srv, running := s.dhcpds[iface]
	delete(s.dhcpds, iface)
	s.mu.Unlock()

	if !running {
		return nil
	}
	srv.stop()
	return nil
}

// Receive is unsupported on this stack: genuine frame-level injection into
// the Linux network stack needs a tap device wired up at platform-init time
// (out of scope, spec.md §1/§6), not something SetStaticIP's netlink handle
// can do. The forwarder only calls Receive for frames addressed to this
// host; a platform that wants that path wires a tap-backed driver.IPStack
// instead of this one.
func (s *Stack) Receive(iface state.Iface, buf []byte) error {
	return fmt.Errorf("netlinkdrv: Receive not supported, needs a tap-backed IPStack")
}

func (s *Stack) ifname(iface state.Iface) (string, error) {
	name, ok := s.ifnames[iface]
	if !ok {
		return "", fmt.Errorf("netlinkdrv: no interface configured for %s", iface)
	}
	return name, nil
}

// dhcpServer is a minimal krolaw/dhcp4 handler, used only by the AP side.
// It offers addresses in order starting at the netif's network address +
// 10, one per client MAC; leases are never released or reused.
type dhcpServer struct {
	serverIP net.IP
	start    net.IP
	mask     net.IPMask
	leases   map[string]net.IP
	slog     *zap.SugaredLogger

	mu      sync.Mutex
	stopped bool
}

func newDHCPServer(ipnet *net.IPNet, slog *zap.SugaredLogger) *dhcpServer {
	return &dhcpServer{
		serverIP: ipnet.IP.To4(),
		start:    dhcp4.IPAdd(ipnet.IP.Mask(ipnet.Mask), 10),
		mask:     ipnet.Mask,
		leases:   make(map[string]net.IP),
		slog:     slog,
	}
}

func (d *dhcpServer) run(ifname string) {
	if err := dhcp4.ListenAndServeIf(ifname, d); err != nil {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.slog.Errorw("dhcp server exited", "iface", ifname, "error", err)
		}
	}
}

func (d *dhcpServer) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// ServeDHCP implements dhcp4.Handler.
func (d *dhcpServer) ServeDHCP(p dhcp4.Packet, msgType dhcp4.MessageType, options dhcp4.Options) dhcp4.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch msgType {
	case dhcp4.Discover, dhcp4.Request:
		hw := p.CHAddr().String()
		ip, ok := d.leases[hw]
		if !ok {
			ip = dhcp4.IPAdd(d.start, len(d.leases))
			d.leases[hw] = ip
		}
		opts := dhcp4.Options{
			dhcp4.OptionSubnetMask: []byte(d.mask),
			dhcp4.OptionRouter:     []byte(d.serverIP.To4()),
		}
		reply := dhcp4.Offer
		if msgType == dhcp4.Request {
			reply = dhcp4.ACK
		}
		return dhcp4.ReplyPacket(p, reply, d.serverIP, ip, 12*3600, opts.SelectOrderOrAll(nil))
	}
	return nil
}
