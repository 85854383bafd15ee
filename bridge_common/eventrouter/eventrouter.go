// Package eventrouter implements the event dispatch spec.md §4.6 describes:
// the single consumer of driver.EventBus, translating STA/AP/IP events into
// state.Bridge mutations and clonefsm/apip calls. Its handlers run on the
// event bus's delivery goroutine and must never block (spec.md §5) — they
// only flip flags, take the short state.Bridge.Mu critical section, and
// hand off work to clonefsm.Machine.Submit, which itself returns
// immediately.
package eventrouter

import (
	"net"
	"time"

	"go.uber.org/zap"

	"apbridged/bridge_common/apip"
	"apbridged/bridge_common/clonefsm"
	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/network"
	"apbridged/bridge_common/state"
)

// reconnectBackoff is the delay before requesting a reconnect after an
// unplanned disconnect (spec.md §4.6 "STA disconnected").
const reconnectBackoff = time.Second

// Router wires a driver.EventBus to the bridge's control-plane state.
type Router struct {
	br    *state.Bridge
	radio driver.RadioDriver
	fsm   *clonefsm.Machine
	fwd   clonefsm.Forwarding
	apip  *apip.Surfacer
	slog  *zap.SugaredLogger

	// requestConnect is radio.Connect, indirected so tests can observe
	// the post-disconnect reconnect without a real sleep-then-call race.
	requestConnect func() error
	sleep          func(time.Duration)
}

// New builds a Router and subscribes its handlers on bus.
func New(br *state.Bridge, radio driver.RadioDriver, bus driver.EventBus, fsm *clonefsm.Machine, fwd clonefsm.Forwarding, apipSurfacer *apip.Surfacer, slog *zap.SugaredLogger) *Router {
	r := &Router{
		br:             br,
		radio:          radio,
		fsm:            fsm,
		fwd:            fwd,
		apip:           apipSurfacer,
		slog:           slog,
		requestConnect: radio.Connect,
		sleep:          time.Sleep,
	}
	bus.OnSTAStarted(r.onSTAStarted)
	bus.OnSTAConnected(r.onSTAConnected)
	bus.OnSTADisconnected(r.onSTADisconnected)
	bus.OnAPClientJoined(r.onAPClientJoined)
	bus.OnAPClientLeft(r.onAPClientLeft)
	bus.OnGotIP(r.onGotIP)
	bus.OnLostIP(r.onLostIP)
	return r
}

func (r *Router) onSTAStarted() {
	if r.br.SuppressAutoReconnect.IsSet() {
		return
	}
	if err := r.requestConnect(); err != nil {
		r.slog.Warnw("connect request after sta started", "error", err)
	}
}

func (r *Router) onSTAConnected(ssid string, bssid net.HardwareAddr, channel uint8) {
	r.br.SetSTAConnected(true)

	r.br.Mu.Lock()
	if !r.br.Lock.Locked {
		r.br.Lock = state.UpstreamLock{BSSID: bssid, Channel: channel, Locked: true}
	}
	r.br.Mu.Unlock()

	r.slog.Infow("sta connected", "ssid", ssid, "bssid", bssid, "channel", channel)

	if r.br.MacCloned.IsSet() {
		if err := r.fwd.Start(); err != nil {
			r.slog.Errorw("start forwarding after sta connected", "error", err)
		}
	}
}

func (r *Router) onSTADisconnected(reason string) {
	r.br.SetSTAConnected(false)
	r.slog.Infow("sta disconnected", "reason", reason)

	if err := r.fwd.Stop(); err != nil {
		r.slog.Warnw("stop forwarding after sta disconnected", "error", err)
	}

	if !r.br.SuppressAutoReconnect.IsSet() {
		go func() {
			r.sleep(reconnectBackoff)
			if err := r.requestConnect(); err != nil {
				r.slog.Warnw("reconnect request after sta disconnected", "error", err)
			}
		}()
	}
}

func (r *Router) onAPClientJoined(mac net.HardwareAddr) {
	count := r.br.ClientJoined()
	r.slog.Infow("ap client joined", "mac", mac, "client_count", count)

	if r.br.Phase() == state.Idle && !r.br.MacCloned.IsSet() {
		r.br.Mu.Lock()
		r.br.PrimaryClientMAC = mac
		r.br.Mu.Unlock()
		r.fsm.Submit(clonefsm.Clone, mac)
		return
	}

	r.slog.Infow("additional ap client joined while already cloned, handled by mac-nat", "mac", mac)
}

func (r *Router) onAPClientLeft(mac net.HardwareAddr) {
	count := r.br.ClientLeft()
	r.slog.Infow("ap client left", "mac", mac, "client_count", count)

	r.br.Mu.Lock()
	primary := r.br.PrimaryClientMAC
	r.br.Mu.Unlock()

	if !r.br.MacCloned.IsSet() || !network.MacEqual(mac, primary) {
		return
	}

	clients, err := r.radio.APClients()
	if err != nil {
		r.slog.Warnw("list ap clients on primary leave", "error", err)
		r.fsm.Submit(clonefsm.Restore, nil)
		return
	}

	var remaining net.HardwareAddr
	for _, c := range clients {
		if network.MacEqual(c.MAC, mac) {
			continue
		}
		remaining = c.MAC
		break
	}

	if remaining == nil {
		r.fsm.Submit(clonefsm.Restore, nil)
		return
	}

	r.br.Mu.Lock()
	r.br.PrimaryClientMAC = remaining
	r.br.Mu.Unlock()
	r.fsm.Submit(clonefsm.Clone, remaining)
}

func (r *Router) onGotIP(ev driver.IPEvent) {
	r.br.SetSTAConnected(true)
	if err := r.apip.MirrorSTAIP(ev.IP, ev.Netmask); err != nil {
		r.slog.Warnw("mirror sta ip", "error", err)
	}
}

func (r *Router) onLostIP() {
	if err := r.apip.RestoreManagement(); err != nil {
		r.slog.Warnw("restore management ip on lost ip", "error", err)
	}
}
