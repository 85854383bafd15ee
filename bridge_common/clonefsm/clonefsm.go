// Package clonefsm drives the MAC-clone and MAC-restore transactions
// (spec.md §4.5): the only place that calls driver.RadioDriver.SetMAC, and
// the sole writer of state.Bridge's MacCloned/Phase. PrimaryClientMAC is
// also set by the event router when it picks a clone target.
package clonefsm

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/state"
)

// Kind distinguishes a clone request from a restore request.
type Kind int

// The two transaction kinds a Machine runs.
const (
	Clone Kind = iota
	Restore
)

func (k Kind) String() string {
	if k == Clone {
		return "clone"
	}
	return "restore"
}

var (
	dummyLinkLocalIP   = net.IPv4(169, 254, 1, 1)
	dummyLinkLocalMask = net.CIDRMask(16, 32)
)

// Forwarding is the subset of bridge_common/forwarder.Forwarder a
// transaction drives. Expressed as an interface so this package stays
// testable without a real Forwarder and without importing it.
type Forwarding interface {
	Start() error
	Stop() error
}

// APIPRestorer is the one bridge_common/apip operation a restore
// transaction calls directly (spec.md §4.5 Restore step 3).
type APIPRestorer interface {
	RestoreManagement() error
}

// Machine runs clone/restore transactions one at a time. A request that
// arrives while one is in flight waits up to acquireTimeout for the slot
// and is dropped with a warning if it is still taken (spec.md §4.5, §8 P3).
type Machine struct {
	br    *state.Bridge
	radio driver.RadioDriver
	ip    driver.IPStack
	nat   *macnat.Table
	fwd   Forwarding
	apip  APIPRestorer
	slog  *zap.SugaredLogger

	sem chan struct{} // 1-buffered try-lock-with-timeout

	acquireTimeout    time.Duration
	disconnectTimeout time.Duration
	connectTimeout    time.Duration
	driverSettleDelay time.Duration
	bssidLockDelay    time.Duration
}

// New builds a Machine with the production timing spec.md §4.5 specifies.
func New(br *state.Bridge, radio driver.RadioDriver, ip driver.IPStack, nat *macnat.Table, fwd Forwarding, apip APIPRestorer, slog *zap.SugaredLogger) *Machine {
	m := &Machine{
		br:                 br,
		radio:              radio,
		ip:                 ip,
		nat:                nat,
		fwd:                fwd,
		apip:               apip,
		slog:               slog,
		sem:                make(chan struct{}, 1),
		acquireTimeout:     5 * time.Second,
		disconnectTimeout:  5 * time.Second,
		connectTimeout:     15 * time.Second,
		driverSettleDelay:  100 * time.Millisecond,
		bssidLockDelay:     200 * time.Millisecond,
	}
	m.sem <- struct{}{}
	return m
}

// Submit requests a transaction and returns immediately; the event router
// that calls this must never block (spec.md §5). target is ignored for
// Restore, whose target is always br.OriginalStaMAC.
func (m *Machine) Submit(kind Kind, target net.HardwareAddr) {
	go m.run(kind, target)
}

func (m *Machine) run(kind Kind, target net.HardwareAddr) {
	select {
	case <-m.sem:
	case <-time.After(m.acquireTimeout):
		m.slog.Warnw("mac-change request dropped, transaction already in flight",
			"kind", kind.String(), "target", target)
		return
	}
	defer func() { m.sem <- struct{}{} }()

	switch kind {
	case Clone:
		m.clone(target)
	case Restore:
		m.restore()
	}
}

// clone implements spec.md §4.5's Clone transaction.
func (m *Machine) clone(target net.HardwareAddr) {
	br := m.br
	br.SetPhase(state.MacChanging)

	if err := m.fwd.Stop(); err != nil {
		m.slog.Errorw("stop forwarding before clone", "error", err)
	}
	br.SuppressAutoReconnect.Set()

	if err := m.radio.Disconnect(); err != nil {
		m.slog.Warnw("sta disconnect before clone", "error", err)
	}
	m.waitDisconnected()
	time.Sleep(m.driverSettleDelay)

	if err := m.ip.StopDHCPClient(state.IfaceSta); err != nil {
		m.slog.Warnw("stop sta dhcp client before clone", "error", err)
	}
	if err := m.ip.SetStaticIP(state.IfaceSta, dummyLinkLocalIP, dummyLinkLocalMask, nil); err != nil {
		m.slog.Warnw("set dummy sta link-local ip", "error", err)
	}

	if err := m.radio.SetMAC(state.IfaceSta, target); err != nil {
		m.slog.Errorw("set sta mac failed, aborting clone",
			"error", errors.Wrap(err, "radio.SetMAC"), "target", target)
		m.abortClone()
		return
	}

	br.MacCloned.Set()
	br.Mu.Lock()
	br.PrimaryClientMAC = target
	lock := br.Lock
	br.Mu.Unlock()

	if lock.Locked {
		m.pinBSSID(lock)
		time.Sleep(m.bssidLockDelay)
	}

	br.SuppressAutoReconnect.UnSet()
	if err := m.radio.Connect(); err != nil {
		m.slog.Errorw("sta connect request after clone", "error", err)
	}

	if m.waitConnected() {
		br.SetPhase(state.Bridging)
		return
	}

	m.slog.Warnw("clone transaction timed out waiting to reconnect, rolling back", "target", target)
	m.rollbackClone()
}

// abortClone implements §4.5 Clone step 5's failure path: the SetMAC call
// itself was refused, so nothing downstream has observed the new MAC yet.
func (m *Machine) abortClone() {
	br := m.br
	if err := m.radio.SetMAC(state.IfaceSta, br.OriginalStaMAC); err != nil {
		m.slog.Errorw("restore original mac after aborted clone", "error", err)
	}
	br.SuppressAutoReconnect.UnSet()
	if err := m.radio.Connect(); err != nil {
		m.slog.Errorw("reconnect after aborted clone", "error", err)
	}
	br.SetPhase(state.Idle)
}

// rollbackClone implements §4.5 Clone step 10: the reconnect after a
// successful MAC change never completed within connectTimeout.
func (m *Machine) rollbackClone() {
	br := m.br
	br.SuppressAutoReconnect.Set()

	if err := m.radio.Disconnect(); err != nil {
		m.slog.Warnw("disconnect during clone rollback", "error", err)
	}
	if err := m.radio.SetMAC(state.IfaceSta, br.OriginalStaMAC); err != nil {
		m.slog.Errorw("restore original mac during clone rollback", "error", err)
	}

	br.Mu.Lock()
	br.PrimaryClientMAC = nil
	br.Mu.Unlock()
	br.MacCloned.UnSet()

	if err := m.ip.StartDHCPClient(state.IfaceSta); err != nil {
		m.slog.Warnw("restart sta dhcp client during clone rollback", "error", err)
	}
	m.clearBSSIDLock()

	br.SuppressAutoReconnect.UnSet()
	if err := m.radio.Connect(); err != nil {
		m.slog.Errorw("reconnect during clone rollback", "error", err)
	}
	br.SetPhase(state.Idle)
}

// restore implements spec.md §4.5's Restore transaction.
func (m *Machine) restore() {
	br := m.br
	br.SetPhase(state.MacRestoring)

	if err := m.fwd.Stop(); err != nil {
		m.slog.Errorw("stop forwarding before restore", "error", err)
	}
	br.SuppressAutoReconnect.Set()

	if err := m.radio.Disconnect(); err != nil {
		m.slog.Warnw("sta disconnect before restore", "error", err)
	}
	m.waitDisconnected()

	if err := m.radio.SetMAC(state.IfaceSta, br.OriginalStaMAC); err != nil {
		m.slog.Errorw("restore original sta mac failed", "error", errors.Wrap(err, "radio.SetMAC"))
	}
	br.MacCloned.UnSet()
	br.Mu.Lock()
	br.PrimaryClientMAC = nil
	br.Mu.Unlock()

	if err := m.ip.StartDHCPClient(state.IfaceSta); err != nil {
		m.slog.Warnw("start sta dhcp client during restore", "error", err)
	}
	m.nat.Clear()
	br.APIPFromSniff.UnSet()
	if err := m.apip.RestoreManagement(); err != nil {
		m.slog.Errorw("restore management ip", "error", err)
	}
	m.clearBSSIDLock()

	br.SuppressAutoReconnect.UnSet()
	if err := m.radio.Connect(); err != nil {
		m.slog.Errorw("reconnect after restore", "error", err)
	}
	m.waitConnected()

	// Regardless of outcome: auto-reconnect (event router, §4.6) handles
	// retries from here (spec.md §4.5 Restore step 4).
	br.SetPhase(state.Idle)
}

func (m *Machine) pinBSSID(lock state.UpstreamLock) {
	cfg, err := m.radio.GetConfig(state.IfaceSta)
	if err != nil {
		m.slog.Warnw("read sta config before bssid pin", "error", err)
		return
	}
	cfg.BSSID = lock.BSSID
	cfg.BSSIDSet = true
	cfg.Channel = lock.Channel
	if err := m.radio.SetConfig(state.IfaceSta, cfg); err != nil {
		m.slog.Warnw("pin bssid/channel", "error", err)
	}
}

func (m *Machine) clearBSSIDLock() {
	cfg, err := m.radio.GetConfig(state.IfaceSta)
	if err != nil {
		m.slog.Warnw("read sta config before clearing bssid lock", "error", err)
		return
	}
	cfg.BSSIDSet = false
	cfg.BSSID = nil
	cfg.Channel = 0
	if err := m.radio.SetConfig(state.IfaceSta, cfg); err != nil {
		m.slog.Warnw("clear bssid lock", "error", err)
	}
}

func (m *Machine) waitDisconnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.disconnectTimeout)
	defer cancel()
	return m.br.WaitSTADisconnected(ctx)
}

func (m *Machine) waitConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()
	return m.br.WaitSTAConnected(ctx)
}
