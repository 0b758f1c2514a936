package detect

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrFromIPPadsV4IntoHighBytes(t *testing.T) {
	a := AddrFromIP(net.ParseIP("10.0.0.1"))
	for i := 0; i < 12; i++ {
		assert.Equal(t, byte(0), a[i], "byte %d should be zero padding", i)
	}
	assert.Equal(t, [4]byte{10, 0, 0, 1}, [4]byte{a[12], a[13], a[14], a[15]})
}

func TestAddrFromIPV6KeepsAllSixteenBytes(t *testing.T) {
	a := AddrFromIP(net.ParseIP("2001:db8::1"))
	assert.NotEqual(t, byte(0), a[0]|a[1], "leading v6 octets should survive, unlike the v4 zero-pad case")
}

func TestAddrRangeContainsIsInclusiveAtBothEnds(t *testing.T) {
	lo := AddrFromIP(net.ParseIP("10.0.0.0"))
	hi := AddrFromIP(net.ParseIP("10.0.0.255"))
	r := AddrRange{Lo: lo, Hi: hi}

	assert.True(t, r.Contains(lo))
	assert.True(t, r.Contains(hi))
	assert.True(t, r.Contains(AddrFromIP(net.ParseIP("10.0.0.128"))))
	assert.False(t, r.Contains(AddrFromIP(net.ParseIP("10.0.1.0"))))
	assert.False(t, r.Contains(AddrFromIP(net.ParseIP("9.255.255.255"))))
}

func TestAddressTreeLookupAggregatesOverlappingRanges(t *testing.T) {
	tree := NewAddressTree()
	tree.Insert(AddrFromIP(net.ParseIP("10.0.0.0")), AddrFromIP(net.ParseIP("10.0.0.255")), 1)
	tree.Insert(AddrFromIP(net.ParseIP("10.0.0.100")), AddrFromIP(net.ParseIP("10.0.1.0")), 2)
	tree.Insert(AddrFromIP(net.ParseIP("192.168.0.0")), AddrFromIP(net.ParseIP("192.168.255.255")), 3)

	got := tree.Lookup(AddrFromIP(net.ParseIP("10.0.0.150")))
	assert.ElementsMatch(t, []uint32{1, 2}, got)

	got = tree.Lookup(AddrFromIP(net.ParseIP("172.16.0.1")))
	assert.Empty(t, got)
}

func TestAddressTreeLookupDedupsRepeatedGroupID(t *testing.T) {
	tree := NewAddressTree()
	addr := AddrFromIP(net.ParseIP("10.0.0.1"))
	tree.Insert(addr, addr, 9)
	tree.Insert(addr, addr, 9)

	got := tree.Lookup(addr)
	assert.Equal(t, []uint32{9}, got)
}
