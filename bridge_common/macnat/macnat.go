// Package macnat implements the bounded IP→real-MAC mapping table that lets
// several real clients share one impersonated upstream hardware address
// (spec.md §4.1). N is small by design: lookups happen on the rx fastpath,
// and a linear scan over eight entries beats a hash map's constant factor.
// Learn and LookupByIP copy the addresses they store and return, so each
// call that stores or finds an entry makes a small allocation.
//
// bluele/gcache, already in the pack's dependency set, was evaluated for
// this role and rejected — see DESIGN.md: its API has no operation for
// "find the entry whose value equals X and rebind its key", which spec.md
// §4.1's second learn rule requires.
package macnat

import (
	"net"
	"sync"
	"time"

	"apbridged/bridge_common/network"
	"apbridged/bridge_common/state"
)

// N is the table's fixed capacity (spec.md §3 recommends 8).
const N = 8

type entry struct {
	ip       net.IP
	mac      net.HardwareAddr
	lastSeen time.Time
	used     bool
}

// Table is a fixed-capacity, LRU-evicting IP→MAC map. The zero value is an
// empty table ready for use; New returns one.
type Table struct {
	mu      sync.Mutex
	entries [N]entry
}

// New returns an empty MAC-NAT table.
func New() *Table {
	return &Table{}
}

// Learn records that ip is currently reachable at mac. It is a no-op for
// multicast/broadcast MACs and the zero IP (spec.md §3 invariant c).
//
// If an entry for ip already exists, its MAC and last-seen time are
// updated. Otherwise, if an entry for mac already exists (the same device
// renewed its lease under a new address), that entry's IP is rebound in
// place — spec.md §4.1 is explicit that this must never create a second
// row for the same device. Only if neither exists is a new entry inserted,
// using a free slot or evicting the least-recently-seen one.
func (t *Table) Learn(ip net.IP, mac net.HardwareAddr) {
	if network.IsMacBcastOrMcast(mac) || network.IsIPv4Zero(ip) {
		return
	}
	ip = ip.To4()
	if ip == nil {
		return
	}

	now := state.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.used && e.ip.Equal(ip) {
			e.mac = cloneMAC(mac)
			e.lastSeen = now
			return
		}
	}

	for i := range t.entries {
		e := &t.entries[i]
		if e.used && network.MacEqual(e.mac, mac) {
			e.ip = cloneIP(ip)
			e.lastSeen = now
			return
		}
	}

	free := -1
	oldest := -1
	for i := range t.entries {
		if !t.entries[i].used {
			free = i
			break
		}
		if oldest == -1 || t.entries[i].lastSeen.Before(t.entries[oldest].lastSeen) {
			oldest = i
		}
	}

	slot := free
	if slot == -1 {
		slot = oldest
	}
	t.entries[slot] = entry{
		ip:       cloneIP(ip),
		mac:      cloneMAC(mac),
		lastSeen: now,
		used:     true,
	}
}

// LookupByIP returns the real MAC bound to ip, if any.
func (t *Table) LookupByIP(ip net.IP) (net.HardwareAddr, bool) {
	ip = ip.To4()
	if ip == nil {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.used && e.ip.Equal(ip) {
			return cloneMAC(e.mac), true
		}
	}
	return nil, false
}

// Clear resets the table to empty. Called whenever a bridging session ends
// (spec.md §4.1).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = entry{}
	}
}

// Len returns the number of entries currently in use. Exposed for metrics
// and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].used {
			n++
		}
	}
	return n
}

func cloneMAC(m net.HardwareAddr) net.HardwareAddr {
	out := make(net.HardwareAddr, len(m))
	copy(out, m)
	return out
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
