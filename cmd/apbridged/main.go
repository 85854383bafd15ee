// apbridged implements the L2 Wi-Fi repeater bridge engine: it clones a
// connected AP client's MAC onto the uplink STA interface, maintains a
// small MAC-NAT table so several local clients can share that one
// impersonated address, and rewrites traffic crossing the impersonation
// boundary.
//
// Wiring here follows ap.networkd's main(): parse flags, serve /metrics,
// install a signal handler, then run until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apbridged/bridge_common/apip"
	"apbridged/bridge_common/aputil"
	"apbridged/bridge_common/clonefsm"
	"apbridged/bridge_common/config"
	"apbridged/bridge_common/dhcpsniff"
	"apbridged/bridge_common/driver"
	"apbridged/bridge_common/eventbus"
	"apbridged/bridge_common/eventrouter"
	"apbridged/bridge_common/forwarder"
	"apbridged/bridge_common/macnat"
	"apbridged/bridge_common/metrics"
	"apbridged/bridge_common/netlinkdrv"
	"apbridged/bridge_common/state"
)

var (
	promAddr = flag.String("prometheus-address", ":7734",
		"address to serve /metrics on")
	staIfname = flag.String("sta-ifname", "wlan0",
		"the APSTA radio's station-mode netif")
	apIfname = flag.String("ap-ifname", "wlan0-ap",
		"the APSTA radio's soft-AP netif")
	statusInterval = flag.Duration("status-interval", 10*time.Second,
		"how often to sample metrics from the running bridge")
)

var slog = aputil.NewLogger("apbridged")

// platformRadioDriver constructs the RadioDriver this process drives.
// spec.md §6 treats "platform initialization of the radio driver" as an
// external collaborator out of this engine's scope: the concrete APSTA
// chip control (set_mac, connect/disconnect, rx callback registration)
// is hardware- and vendor-specific and is supplied by the platform this
// binary runs on, not implemented in this repository.
var platformRadioDriver = func(cfg driver.ConfigStore) (driver.RadioDriver, error) {
	return nil, fmt.Errorf("apbridged: no platform radio driver linked into this build")
}

func main() {
	fs := flag.CommandLine
	cfg := config.NewFlagStore(fs)

	flag.Parse()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*promAddr, nil); err != nil {
			slog.Errorw("prometheus http server exited", "error", err)
		}
	}()

	radio, err := platformRadioDriver(cfg)
	if err != nil {
		aputil.Fatalf("apbridged: %v", err)
	}

	staMAC, err := radio.GetMAC(state.IfaceSta)
	if err != nil {
		aputil.Fatalf("apbridged: read factory sta mac: %v", err)
	}
	apMAC, err := radio.GetMAC(state.IfaceAp)
	if err != nil {
		aputil.Fatalf("apbridged: read factory ap mac: %v", err)
	}

	br := state.New(staMAC, apMAC)
	nat := macnat.New()
	ip := netlinkdrv.New(*staIfname, *apIfname, slog)
	bus := eventbus.New()
	apipSurfacer := apip.New(ip, slog)
	met := metrics.New()

	onAPSubnet := func(s dhcpsniff.Subnet) {
		// Called from the STA rx callback, so the AP netif is
		// reconfigured on its own goroutine instead of on the data path.
		go func() {
			if err := ip.StopDHCPServer(state.IfaceAp); err != nil {
				slog.Warnw("stop ap dhcp server before installing sniffed subnet", "error", err)
			}
			if err := ip.SetStaticIP(state.IfaceAp, s.Candidate, s.Mask, s.Gateway); err != nil {
				slog.Errorw("install sniffed ap subnet", "error", err)
			}
		}()
	}
	fwd := forwarder.New(radio, ip, br, nat, slog, onAPSubnet)
	fsm := clonefsm.New(br, radio, ip, nat, fwd, apipSurfacer, slog)
	eventrouter.New(br, radio, bus, fsm, fwd, apipSurfacer, slog)

	if err := radio.SetTxPower(cfg.TxPowerDBm()); err != nil {
		slog.Warnw("set initial tx power", "error", err)
	}
	staCfg, err := radio.GetConfig(state.IfaceSta)
	if err == nil {
		staCfg.SSID = cfg.UpstreamSSID()
		staCfg.Password = cfg.UpstreamPassword()
		if err := radio.SetConfig(state.IfaceSta, staCfg); err != nil {
			slog.Warnw("apply initial sta config", "error", err)
		}
	}
	apCfg, err := radio.GetConfig(state.IfaceAp)
	if err == nil {
		apCfg.SSID = cfg.APSSID()
		apCfg.Password = cfg.APPassword()
		apCfg.MaxClients = cfg.MaxClients()
		if err := radio.SetConfig(state.IfaceAp, apCfg); err != nil {
			slog.Warnw("apply initial ap config", "error", err)
		}
	}

	if err := apipSurfacer.RestoreManagement(); err != nil {
		slog.Errorw("initial ap management ip", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go statusLoop(ctx, met, br, nat)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	slog.Infow("apbridged shutting down")
}

func statusLoop(ctx context.Context, met *metrics.Metrics, br *state.Bridge, nat *macnat.Table) {
	t := time.NewTicker(*statusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			met.Sample(br, nat.Len())
		}
	}
}
