// Package config provides the driver.ConfigStore the bridge engine reads at
// startup. The teacher's daemons (ap.networkd, ap.dhcp4d) take their
// runtime configuration from plain stdlib `flag` rather than `cobra`/
// `pflag`: cobra exists in the pack for operator-facing CLI tools
// (cl-reg, ap-factory), not the daemons themselves, and this spec names no
// CLI tool. FlagStore follows that convention.
package config

import "flag"

// FlagStore is a driver.ConfigStore backed by command-line flags, in the
// style of ap.networkd's main() (spec.md §6: persistence and the
// management UI that would normally populate these fields are out of
// scope; flags stand in for them here).
type FlagStore struct {
	upstreamSSID     *string
	upstreamPassword *string
	apSSID           *string
	apPassword       *string
	txPowerDBm       *int
	maxClients       *int
}

// NewFlagStore registers the bridge engine's configuration flags on fs and
// returns a FlagStore that reads them. Call fs.Parse before using the
// returned store.
func NewFlagStore(fs *flag.FlagSet) *FlagStore {
	return &FlagStore{
		upstreamSSID:     fs.String("upstream-ssid", "", "upstream network to associate the STA interface to"),
		upstreamPassword: fs.String("upstream-password", "", "upstream network password"),
		apSSID:           fs.String("ap-ssid", "apbridge", "SSID advertised on the soft AP"),
		apPassword:       fs.String("ap-password", "", "soft AP password; empty means open"),
		txPowerDBm:       fs.Int("tx-power-dbm", 20, "maximum transmit power, in dBm"),
		maxClients:       fs.Int("max-clients", 8, "maximum stations the soft AP will associate"),
	}
}

// UpstreamSSID returns the SSID the STA interface should associate to.
func (c *FlagStore) UpstreamSSID() string { return *c.upstreamSSID }

// UpstreamPassword returns the upstream network's password.
func (c *FlagStore) UpstreamPassword() string { return *c.upstreamPassword }

// APSSID returns the SSID advertised on the soft AP.
func (c *FlagStore) APSSID() string { return *c.apSSID }

// APPassword returns the soft AP's password.
func (c *FlagStore) APPassword() string { return *c.apPassword }

// TxPowerDBm returns the configured maximum transmit power, in dBm.
func (c *FlagStore) TxPowerDBm() int { return *c.txPowerDBm }

// MaxClients returns the configured maximum associated-station count.
func (c *FlagStore) MaxClients() int { return *c.maxClients }
