// Package driver declares the external collaborators the bridge engine
// consumes (spec.md §6): the radio driver, the IP stack, the event bus and
// the configuration store. Persistence, the HTTP configuration surface and
// platform/radio initialization are out of scope (spec.md §1) — these
// interfaces are the seam through which the core reaches them.
package driver

import (
	"net"
	"time"

	"apbridged/bridge_common/state"
)

// RxHandler is the single rx callback slot a component registers per
// interface. Registering a handler replaces any existing one (spec.md §6).
// The handler owns buf for the duration of the call; see Forwarder in
// bridge_common/forwarder for the ownership rules on every return path.
type RxHandler func(buf []byte)

// APClient describes one station associated to the soft AP.
type APClient struct {
	MAC  net.HardwareAddr
	AID  int
	RSSI int
}

// APRecord describes the upstream AP the STA interface is (or was)
// associated to.
type APRecord struct {
	SSID    string
	BSSID   net.HardwareAddr
	Channel uint8
	RSSI    int
}

// RadioConfig is the subset of per-interface radio configuration the
// MAC-clone state machine needs to read and patch (spec.md §4.5 step 7 and
// §6's "set/get config per interface").
type RadioConfig struct {
	SSID       string
	Password   string
	AuthMode   string
	BSSID      net.HardwareAddr
	BSSIDSet   bool
	Channel    uint8
	MaxClients int
}

// RadioDriver is the APSTA radio collaborator: a single chip exposing both
// a station and a soft-AP interface (spec.md GLOSSARY, §6).
type RadioDriver interface {
	// GetMAC returns the interface's current hardware address.
	GetMAC(iface state.Iface) (net.HardwareAddr, error)
	// SetMAC changes the interface's hardware address. Implementations
	// return a non-nil error if the underlying set_mac ioctl/netlink call
	// is refused (spec.md §7 taxonomy item 2).
	SetMAC(iface state.Iface, mac net.HardwareAddr) error

	// GetConfig/SetConfig manipulate the interface's SSID/password/
	// authmode/BSSID-pin/channel.
	GetConfig(iface state.Iface) (RadioConfig, error)
	SetConfig(iface state.Iface, cfg RadioConfig) error

	// Connect/Disconnect drive the STA interface's association state.
	// Both are asynchronous: the caller waits on the corresponding event
	// from the EventBus (spec.md §4.5).
	Connect() error
	Disconnect() error

	// SetTxPower sets the maximum transmit power, in dBm.
	SetTxPower(dBm int) error
	// SetPowerSave toggles the radio's power-save mode; forwarding_start
	// disables it for latency, forwarding_stop restores the minimum
	// sleep mode (spec.md §4.4).
	SetPowerSave(enabled bool) error
	// SetBandwidth sets the channel bandwidth (e.g. 20/40/80 MHz).
	SetBandwidth(mhz int) error

	// APClients lists the stations currently associated to the soft AP.
	APClients() ([]APClient, error)
	// APRecord returns the STA interface's current (or most recent)
	// upstream association record.
	APRecord() (APRecord, error)

	// RegisterRx installs h as the rx callback for iface, replacing any
	// existing handler (spec.md §6, §9). Passing a nil handler
	// unregisters it.
	RegisterRx(iface state.Iface, h RxHandler) error
	// Tx transmits buf out iface.
	Tx(iface state.Iface, buf []byte) error
	// FreeRxBuffer releases a buffer previously delivered to an rx
	// handler, for every path that does not hand it to the IP stack.
	FreeRxBuffer(buf []byte)
}

// IPStack is the TCP/IP stack collaborator (spec.md §6): per-netif DHCP
// client/server control, static IP configuration, frame injection and
// lease-event subscription.
type IPStack interface {
	// StartDHCPClient/StopDHCPClient control the DHCP client bound to
	// iface's netif.
	StartDHCPClient(iface state.Iface) error
	StopDHCPClient(iface state.Iface) error

	// StartDHCPServer/StopDHCPServer control the DHCP server bound to
	// iface's netif (only ever the AP interface in this spec).
	StartDHCPServer(iface state.Iface) error
	StopDHCPServer(iface state.Iface) error

	// SetStaticIP configures iface's netif with a fixed IP/mask/gateway.
	// A zero gateway means "no default route via this netif" (spec.md
	// §4.7: AP mirror sets gateway zero).
	SetStaticIP(iface state.Iface, ip net.IP, mask net.IPMask, gw net.IP) error

	// Receive injects buf, a frame handed up from the data plane, into
	// the stack as if it had arrived on iface. Ownership of buf passes
	// to the stack.
	Receive(iface state.Iface, buf []byte) error
}

// IPEvent carries the payload of a gotIP/lostIP notification.
type IPEvent struct {
	Iface   state.Iface
	IP      net.IP
	Netmask net.IPMask
	Gateway net.IP
}

// EventBus delivers STA/AP and IP events to the event router (spec.md §6).
type EventBus interface {
	OnSTAStarted(func())
	OnSTAConnected(func(ssid string, bssid net.HardwareAddr, channel uint8))
	OnSTADisconnected(func(reason string))
	OnAPClientJoined(func(mac net.HardwareAddr))
	OnAPClientLeft(func(mac net.HardwareAddr))
	OnGotIP(func(IPEvent))
	OnLostIP(func())
}

// ConfigStore supplies the fields spec.md §6 says are "consumed at
// startup"; persistence and the management UI that populate it are out of
// scope.
type ConfigStore interface {
	UpstreamSSID() string
	UpstreamPassword() string
	APSSID() string
	APPassword() string
	TxPowerDBm() int
	MaxClients() int
}

// Clock abstracts time.Now behind an interface, with RealClock as the
// time.Now-backed implementation. No component in this repository takes a
// Clock: macnat's last-seen bookkeeping reads state.Now directly.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock, backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }
