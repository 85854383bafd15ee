// Package state holds the bridge engine's single shared context: the
// process-wide singletons spec.md §3 describes, collected into one value
// instead of package-level globals (spec.md §9's first redesign note).
// Every component is handed a *Bridge at construction time.
package state

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"
)

// Iface tags which radio-backed netif a frame or event belongs to.
type Iface int

// The two interfaces this bridge engine ever deals with (spec.md §1: a
// single radio, concurrent STA+AP; no multi-radio, no WDS).
const (
	IfaceSta Iface = iota
	IfaceAp
)

func (i Iface) String() string {
	if i == IfaceSta {
		return "sta"
	}
	return "ap"
}

// Phase is the repeater's tagged state (spec.md §3).
type Phase int32

// The four phases of the repeater state machine.
const (
	Idle Phase = iota
	MacChanging
	Bridging
	MacRestoring
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case MacChanging:
		return "mac-changing"
	case Bridging:
		return "bridging"
	case MacRestoring:
		return "mac-restoring"
	default:
		return "unknown"
	}
}

// UpstreamLock caches the BSSID/channel of the first successful STA
// association, so later reconnects can skip scanning (spec.md §3).
type UpstreamLock struct {
	BSSID   net.HardwareAddr
	Channel uint8
	Locked  bool
}

// Bridge is the single context shared by every bridge-engine component. Its
// atomics and flags may be read from the non-blocking rx fastpath (spec.md
// §5); PrimaryClientMAC and UpstreamLock are guarded by Mu. MAC-change
// transactions themselves are serialized by clonefsm.Machine's own
// single-slot gate, not by Mu (spec.md §3 invariant 5).
type Bridge struct {
	// Singletons captured once at startup, never reassigned.
	OriginalStaMAC net.HardwareAddr
	APMAC          net.HardwareAddr

	// Mu guards the two fields below and is held only for short field
	// reads and writes. Lock-free reads of PrimaryClientMAC are safe for the
	// data plane because it only changes inside a transaction that has
	// already stopped forwarding (spec.md §9).
	Mu               sync.Mutex
	PrimaryClientMAC net.HardwareAddr
	Lock             UpstreamLock

	phase int32 // Phase, accessed atomically

	StaConnected          *abool.AtomicBool
	ForwardingActive      *abool.AtomicBool
	MacCloned             *abool.AtomicBool
	SuppressAutoReconnect *abool.AtomicBool
	APIPFromSniff         *abool.AtomicBool

	// staConnectedSig/staDisconnectedSig back the bit-group waits
	// clonefsm performs while driving a Connect/Disconnect transaction;
	// the event router broadcasts them when the corresponding driver
	// event arrives (spec.md §4.5).
	staConnectedSig    *Signal
	staDisconnectedSig *Signal

	clientCount int32 // accessed atomically
}

// New builds a Bridge for a radio whose factory STA/AP addresses are
// staMAC/apMAC. Both must be captured before any mutation, per spec.md §3.
func New(staMAC, apMAC net.HardwareAddr) *Bridge {
	return &Bridge{
		OriginalStaMAC:        staMAC,
		APMAC:                 apMAC,
		phase:                 int32(Idle),
		StaConnected:          abool.New(),
		ForwardingActive:      abool.New(),
		MacCloned:             abool.New(),
		SuppressAutoReconnect: abool.New(),
		APIPFromSniff:         abool.New(),
		staConnectedSig:       NewSignal(),
		staDisconnectedSig:    NewSignal(),
	}
}

// SetSTAConnected records the STA interface's association state and wakes
// any goroutine waiting on the corresponding bit via WaitSTAConnected/
// WaitSTADisconnected.
func (b *Bridge) SetSTAConnected(connected bool) {
	if connected {
		b.StaConnected.Set()
		b.staConnectedSig.Broadcast()
		return
	}
	b.StaConnected.UnSet()
	b.staDisconnectedSig.Broadcast()
}

// WaitSTAConnected blocks until SetSTAConnected(true) is called, or ctx
// expires. It returns immediately (true) if the bit is already set.
func (b *Bridge) WaitSTAConnected(ctx context.Context) bool {
	return waitBit(ctx, b.staConnectedSig, b.StaConnected.IsSet)
}

// WaitSTADisconnected blocks until SetSTAConnected(false) is called, or ctx
// expires. It returns immediately (true) if the bit is already clear.
func (b *Bridge) WaitSTADisconnected(ctx context.Context) bool {
	return waitBit(ctx, b.staDisconnectedSig, func() bool { return !b.StaConnected.IsSet() })
}

// waitBit takes sig's current gate before testing the bit, so a
// SetSTAConnected that lands between the test and the wait still wakes it.
func waitBit(ctx context.Context, sig *Signal, isSet func() bool) bool {
	sig.mu.Lock()
	ch := sig.ch
	sig.mu.Unlock()
	if isSet() {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Phase returns the current repeater phase.
func (b *Bridge) Phase() Phase {
	return Phase(atomic.LoadInt32(&b.phase))
}

// SetPhase transitions the repeater to p.
func (b *Bridge) SetPhase(p Phase) {
	atomic.StoreInt32(&b.phase, int32(p))
}

// ClientCount returns the number of stations currently associated to the AP.
func (b *Bridge) ClientCount() int {
	return int(atomic.LoadInt32(&b.clientCount))
}

// ClientJoined increments the AP client count.
func (b *Bridge) ClientJoined() int {
	return int(atomic.AddInt32(&b.clientCount, 1))
}

// ClientLeft decrements the AP client count, clamped at zero.
func (b *Bridge) ClientLeft() int {
	for {
		old := atomic.LoadInt32(&b.clientCount)
		if old <= 0 {
			return 0
		}
		if atomic.CompareAndSwapInt32(&b.clientCount, old, old-1) {
			return int(old - 1)
		}
	}
}

// CurrentSTAMAC returns the MAC the STA interface should currently hold,
// satisfying spec.md §3 invariant 3: original when not cloned, the primary
// client's MAC otherwise.
func (b *Bridge) CurrentSTAMAC() net.HardwareAddr {
	if b.MacCloned.IsSet() {
		b.Mu.Lock()
		defer b.Mu.Unlock()
		return b.PrimaryClientMAC
	}
	return b.OriginalStaMAC
}

// Now returns the current instant used for MAC-NAT last-seen bookkeeping.
// Centralised so tests can see it's the only place wall-clock is read.
func Now() time.Time {
	return time.Now()
}
