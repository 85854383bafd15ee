// Package eventbus implements driver.EventBus in-process. spec.md §1 scopes
// this engine to a single daemon with no multi-process control plane, so
// the teacher's zmq-based ap_common/broker (protobuf messages published to
// ap.brokerd and fanned out to every daemon subscribed to a topic) has no
// home here: there is only one process and one subscriber. This package
// keeps the teacher's Handle-one-callback-per-topic shape (see
// ap_common/broker.Broker.Handle) but drops the wire encoding, matching
// driver.RadioDriver.RegisterRx's "a single slot that replaces any existing
// handler" convention instead.
package eventbus

import (
	"net"
	"sync"

	"apbridged/bridge_common/driver"
)

// Bus is an in-process, single-subscriber-per-event implementation of
// driver.EventBus. The concrete radio/IP-stack driver calls the Dispatch*
// methods when the underlying platform delivers the corresponding event;
// the event router is the one subscriber in production.
type Bus struct {
	mu sync.Mutex

	started      func()
	connected    func(ssid string, bssid net.HardwareAddr, channel uint8)
	disconnected func(reason string)
	apJoined     func(mac net.HardwareAddr)
	apLeft       func(mac net.HardwareAddr)
	gotIP        func(driver.IPEvent)
	lostIP       func()
}

// New returns an empty Bus.
func New() *Bus { return &Bus{} }

var _ driver.EventBus = (*Bus)(nil)

// OnSTAStarted registers f as the STA-started handler, replacing any
// previous registration.
func (b *Bus) OnSTAStarted(f func()) {
	b.mu.Lock()
	b.started = f
	b.mu.Unlock()
}

// OnSTAConnected registers f as the STA-connected handler.
func (b *Bus) OnSTAConnected(f func(ssid string, bssid net.HardwareAddr, channel uint8)) {
	b.mu.Lock()
	b.connected = f
	b.mu.Unlock()
}

// OnSTADisconnected registers f as the STA-disconnected handler.
func (b *Bus) OnSTADisconnected(f func(reason string)) {
	b.mu.Lock()
	b.disconnected = f
	b.mu.Unlock()
}

// OnAPClientJoined registers f as the AP-client-joined handler.
func (b *Bus) OnAPClientJoined(f func(mac net.HardwareAddr)) {
	b.mu.Lock()
	b.apJoined = f
	b.mu.Unlock()
}

// OnAPClientLeft registers f as the AP-client-left handler.
func (b *Bus) OnAPClientLeft(f func(mac net.HardwareAddr)) {
	b.mu.Lock()
	b.apLeft = f
	b.mu.Unlock()
}

// OnGotIP registers f as the got-IP handler.
func (b *Bus) OnGotIP(f func(driver.IPEvent)) {
	b.mu.Lock()
	b.gotIP = f
	b.mu.Unlock()
}

// OnLostIP registers f as the lost-IP handler.
func (b *Bus) OnLostIP(f func()) {
	b.mu.Lock()
	b.lostIP = f
	b.mu.Unlock()
}

// DispatchSTAStarted delivers a STA-started event to the registered handler,
// if any.
func (b *Bus) DispatchSTAStarted() {
	b.mu.Lock()
	f := b.started
	b.mu.Unlock()
	if f != nil {
		f()
	}
}

// DispatchSTAConnected delivers a STA-connected event.
func (b *Bus) DispatchSTAConnected(ssid string, bssid net.HardwareAddr, channel uint8) {
	b.mu.Lock()
	f := b.connected
	b.mu.Unlock()
	if f != nil {
		f(ssid, bssid, channel)
	}
}

// DispatchSTADisconnected delivers a STA-disconnected event.
func (b *Bus) DispatchSTADisconnected(reason string) {
	b.mu.Lock()
	f := b.disconnected
	b.mu.Unlock()
	if f != nil {
		f(reason)
	}
}

// DispatchAPClientJoined delivers an AP-client-joined event.
func (b *Bus) DispatchAPClientJoined(mac net.HardwareAddr) {
	b.mu.Lock()
	f := b.apJoined
	b.mu.Unlock()
	if f != nil {
		f(mac)
	}
}

// DispatchAPClientLeft delivers an AP-client-left event.
func (b *Bus) DispatchAPClientLeft(mac net.HardwareAddr) {
	b.mu.Lock()
	f := b.apLeft
	b.mu.Unlock()
	if f != nil {
		f(mac)
	}
}

// DispatchGotIP delivers a got-IP event.
func (b *Bus) DispatchGotIP(ev driver.IPEvent) {
	b.mu.Lock()
	f := b.gotIP
	b.mu.Unlock()
	if f != nil {
		f(ev)
	}
}

// DispatchLostIP delivers a lost-IP event.
func (b *Bus) DispatchLostIP() {
	b.mu.Lock()
	f := b.lostIP
	b.mu.Unlock()
	if f != nil {
		f()
	}
}
