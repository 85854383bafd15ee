package eventrouter

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apbridged/bridge_common/apip"
	"apbridged/bridge_common/clonefsm"
	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/state"

	"apbridged/bridge_common/aputil"
)

type fakeBus struct {
	started     func()
	connected   func(string, net.HardwareAddr, uint8)
	disconnected func(string)
	joined      func(net.HardwareAddr)
	left        func(net.HardwareAddr)
	gotIP       func(driver.IPEvent)
	lostIP      func()
}

func (b *fakeBus) OnSTAStarted(f func())                                             { b.started = f }
func (b *fakeBus) OnSTAConnected(f func(string, net.HardwareAddr, uint8))             { b.connected = f }
func (b *fakeBus) OnSTADisconnected(f func(string))                                   { b.disconnected = f }
func (b *fakeBus) OnAPClientJoined(f func(net.HardwareAddr))                          { b.joined = f }
func (b *fakeBus) OnAPClientLeft(f func(net.HardwareAddr))                            { b.left = f }
func (b *fakeBus) OnGotIP(f func(driver.IPEvent))                                     { b.gotIP = f }
func (b *fakeBus) OnLostIP(f func())                                                  { b.lostIP = f }

var _ driver.EventBus = (*fakeBus)(nil)

type fakeRadio struct {
	mu           sync.Mutex
	connectCalls int
	clients      []driver.APClient
}

func (r *fakeRadio) GetMAC(state.Iface) (net.HardwareAddr, error)       { return nil, nil }
func (r *fakeRadio) SetMAC(state.Iface, net.HardwareAddr) error         { return nil }
func (r *fakeRadio) GetConfig(state.Iface) (driver.RadioConfig, error)  { return driver.RadioConfig{}, nil }
func (r *fakeRadio) SetConfig(state.Iface, driver.RadioConfig) error    { return nil }
func (r *fakeRadio) Disconnect() error                                  { return nil }
func (r *fakeRadio) SetTxPower(int) error                               { return nil }
func (r *fakeRadio) SetPowerSave(bool) error                            { return nil }
func (r *fakeRadio) SetBandwidth(int) error                             { return nil }
func (r *fakeRadio) APRecord() (driver.APRecord, error)                 { return driver.APRecord{}, nil }
func (r *fakeRadio) RegisterRx(state.Iface, driver.RxHandler) error     { return nil }
func (r *fakeRadio) Tx(state.Iface, []byte) error                       { return nil }
func (r *fakeRadio) FreeRxBuffer([]byte)                                {}

func (r *fakeRadio) Connect() error {
	r.mu.Lock()
	r.connectCalls++
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) APClients() ([]driver.APClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients, nil
}

func (r *fakeRadio) connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls
}

type fakeForwarding struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
}

func (f *fakeForwarding) Start() error {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeForwarding) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeForwarding) counts() (start, stop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

type fakeIPStack struct {
	mu            sync.Mutex
	staticCalls   int
	dhcpdStarted  int
	dhcpdStopped  int
}

func (s *fakeIPStack) StartDHCPClient(state.Iface) error { return nil }
func (s *fakeIPStack) StopDHCPClient(state.Iface) error  { return nil }

func (s *fakeIPStack) StartDHCPServer(state.Iface) error {
	s.mu.Lock()
	s.dhcpdStarted++
	s.mu.Unlock()
	return nil
}

func (s *fakeIPStack) StopDHCPServer(state.Iface) error {
	s.mu.Lock()
	s.dhcpdStopped++
	s.mu.Unlock()
	return nil
}

func (s *fakeIPStack) SetStaticIP(state.Iface, net.IP, net.IPMask, net.IP) error {
	s.mu.Lock()
	s.staticCalls++
	s.mu.Unlock()
	return nil
}

func (s *fakeIPStack) Receive(state.Iface, []byte) error { return nil }

func newTestBridge() *state.Bridge {
	original := net.HardwareAddr{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	apMAC := net.HardwareAddr{0x10, 0x20, 0x30, 0x40, 0x50, 0x61}
	return state.New(original, apMAC)
}

func newTestRouter(br *state.Bridge, radio *fakeRadio, bus *fakeBus, fwd *fakeForwarding, ip *fakeIPStack) *Router {
	slog := aputil.NewLogger("eventrouter-test")
	fsm := clonefsm.New(br, radio, ip, macnat.New(), fwd, apip.New(ip, slog), slog)
	return New(br, radio, bus, fsm, fwd, apip.New(ip, slog), slog)
}

func TestSTAStartedConnectsUnlessSuppressed(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	r := newTestRouter(br, radio, bus, &fakeForwarding{}, &fakeIPStack{})
	_ = r

	bus.started()
	assert.Equal(1, radio.connects())

	br.SuppressAutoReconnect.Set()
	bus.started()
	assert.Equal(1, radio.connects(), "suppressed auto-reconnect must not call connect")
}

func TestSTAConnectedLocksUpstreamOnce(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	newTestRouter(br, radio, bus, &fakeForwarding{}, &fakeIPStack{})

	bssid1 := net.HardwareAddr{1, 1, 1, 1, 1, 1}
	bus.connected("ssid-a", bssid1, 6)
	assert.True(br.StaConnected.IsSet())

	br.Mu.Lock()
	lock := br.Lock
	br.Mu.Unlock()
	assert.True(lock.Locked)
	assert.Equal(bssid1, lock.BSSID)
	assert.Equal(uint8(6), lock.Channel)

	bssid2 := net.HardwareAddr{2, 2, 2, 2, 2, 2}
	bus.connected("ssid-a", bssid2, 11)

	br.Mu.Lock()
	lock = br.Lock
	br.Mu.Unlock()
	assert.Equal(bssid1, lock.BSSID, "upstream lock is immutable once set")
}

func TestSTAConnectedStartsForwardingWhenCloned(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	br.MacCloned.Set()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	fwd := &fakeForwarding{}
	newTestRouter(br, radio, bus, fwd, &fakeIPStack{})

	bus.connected("ssid-a", net.HardwareAddr{1, 1, 1, 1, 1, 1}, 6)

	start, _ := fwd.counts()
	assert.Equal(1, start)
}

func TestSTADisconnectedStopsForwardingAndReconnects(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	br.SetSTAConnected(true)
	radio := &fakeRadio{}
	bus := &fakeBus{}
	fwd := &fakeForwarding{}
	r := newTestRouter(br, radio, bus, fwd, &fakeIPStack{})
	r.sleep = func(time.Duration) {} // skip the real 1s backoff in tests

	bus.disconnected("deauth")

	assert.False(br.StaConnected.IsSet())
	_, stop := fwd.counts()
	assert.Equal(1, stop)

	assert.Eventually(func() bool { return radio.connects() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAPClientJoinedFirstSubmitsClone(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	newTestRouter(br, radio, bus, &fakeForwarding{}, &fakeIPStack{})

	mac := net.HardwareAddr{9, 9, 9, 9, 9, 9}
	bus.joined(mac)

	assert.Equal(1, br.ClientCount())
	br.Mu.Lock()
	primary := br.PrimaryClientMAC
	br.Mu.Unlock()
	assert.Equal(mac, primary)
	assert.Eventually(func() bool { return br.MacCloned.IsSet() }, time.Second, 5*time.Millisecond,
		"the submitted clone transaction must install the client's MAC")
}

func TestAPClientLeftLastSubmitsRestore(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	br.MacCloned.Set()
	br.ClientJoined()
	mac := net.HardwareAddr{9, 9, 9, 9, 9, 9}
	br.Mu.Lock()
	br.PrimaryClientMAC = mac
	br.Mu.Unlock()

	radio := &fakeRadio{clients: nil} // the leaver is the only client, already removed by the driver
	bus := &fakeBus{}
	newTestRouter(br, radio, bus, &fakeForwarding{}, &fakeIPStack{})

	bus.left(mac)

	assert.Equal(0, br.ClientCount())
	assert.Eventually(func() bool { return !br.MacCloned.IsSet() }, time.Second, 5*time.Millisecond,
		"the submitted restore transaction must clear mac_cloned")
}

func TestGotIPMirrorsAPNetif(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	ip := &fakeIPStack{}
	newTestRouter(br, radio, bus, &fakeForwarding{}, ip)

	bus.gotIP(driver.IPEvent{Iface: state.IfaceSta, IP: net.IPv4(10, 0, 0, 5), Netmask: net.CIDRMask(24, 32)})

	assert.True(br.StaConnected.IsSet())
	assert.Equal(1, ip.staticCalls)
}

func TestLostIPRestoresManagement(t *testing.T) {
	assert := require.New(t)

	br := newTestBridge()
	radio := &fakeRadio{}
	bus := &fakeBus{}
	ip := &fakeIPStack{}
	newTestRouter(br, radio, bus, &fakeForwarding{}, ip)

	bus.lostIP()

	assert.Equal(1, ip.staticCalls)
	assert.Equal(1, ip.dhcpdStarted)
}
