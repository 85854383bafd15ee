package macnat

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mac(s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ip(s string) net.IP {
	return net.ParseIP(s).To4()
}

func TestLearnIgnoresMulticastAndZero(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	tbl.Learn(ip("192.168.1.10"), mac("01:00:5e:00:00:01"))
	tbl.Learn(ip("192.168.1.10"), mac("ff:ff:ff:ff:ff:ff"))
	tbl.Learn(net.IPv4zero, mac("aa:bb:cc:00:00:01"))

	assert.Equal(0, tbl.Len())
}

func TestLearnIdempotent(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	m := mac("aa:bb:cc:00:00:01")
	i := ip("192.168.1.10")

	tbl.Learn(i, m)
	tbl.Learn(i, m)

	assert.Equal(1, tbl.Len())
	got, ok := tbl.LookupByIP(i)
	assert.True(ok)
	assert.Equal(m, got)
}

func TestLearnRebindsByIP(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	m1 := mac("aa:bb:cc:00:00:01")
	m2 := mac("aa:bb:cc:00:00:02")
	i := ip("192.168.1.10")

	tbl.Learn(i, m1)
	tbl.Learn(i, m2)

	assert.Equal(1, tbl.Len())
	got, ok := tbl.LookupByIP(i)
	assert.True(ok)
	assert.Equal(m2, got)
}

func TestLearnRebindsByMAC(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	m := mac("aa:bb:cc:00:00:01")
	i1 := ip("192.168.1.10")
	i2 := ip("192.168.1.99")

	tbl.Learn(i1, m)
	tbl.Learn(i2, m)

	// A renewed lease rebinds the existing entry in place; it must not
	// create a second row for the same device.
	assert.Equal(1, tbl.Len())
	_, ok := tbl.LookupByIP(i1)
	assert.False(ok)
	got, ok := tbl.LookupByIP(i2)
	assert.True(ok)
	assert.Equal(m, got)
}

func TestLRUEviction(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	// Learn N+2 distinct devices; the two oldest (index 0 and 1) should
	// be evicted, matching spec.md P5/P6 seed test 6.
	for i := 0; i < N+2; i++ {
		m := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0, 0, byte(i + 1)}
		addr := net.IPv4(192, 168, 1, byte(i+1))
		tbl.Learn(addr, m)
	}

	assert.Equal(N, tbl.Len())

	_, ok := tbl.LookupByIP(net.IPv4(192, 168, 1, 1))
	assert.False(ok, "oldest entry should have been evicted")
	_, ok = tbl.LookupByIP(net.IPv4(192, 168, 1, 2))
	assert.False(ok, "second oldest entry should have been evicted")

	for i := 2; i < N+2; i++ {
		addr := net.IPv4(192, 168, 1, byte(i+1))
		_, ok := tbl.LookupByIP(addr)
		assert.True(ok, "entry %d should have survived", i)
	}
}

func TestClear(t *testing.T) {
	assert := require.New(t)
	tbl := New()

	tbl.Learn(ip("192.168.1.10"), mac("aa:bb:cc:00:00:01"))
	tbl.Clear()

	assert.Equal(0, tbl.Len())
	_, ok := tbl.LookupByIP(ip("192.168.1.10"))
	assert.False(ok)
}
