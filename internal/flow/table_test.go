package flow

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func tcpTuple(src string, sport uint16, dst string, dport uint16) Tuple {
	return Tuple{
		SrcIP:   net.ParseIP(src),
		DstIP:   net.ParseIP(dst),
		SrcPort: sport,
		DstPort: dport,
		Proto:   6,
	}
}

func TestLookupCreatesThenFindsSameFlow(t *testing.T) {
	table := NewTable(16, 0)
	now := time.Now()

	f1, toServer1, created1, ok := table.Lookup(tcpTuple("10.0.0.1", 1234, "10.0.0.2", 80), now)
	assert.True(t, ok)
	assert.True(t, created1)
	assert.True(t, toServer1)
	assert.EqualValues(t, 1, f1.UseCount())
	f1.DecRef()

	f2, toServer2, created2, ok := table.Lookup(tcpTuple("10.0.0.1", 1234, "10.0.0.2", 80), now)
	assert.True(t, ok)
	assert.False(t, created2)
	assert.True(t, toServer2)
	assert.Same(t, f1, f2)
	f2.DecRef()
}

func TestLookupCanonicalizesReversedTuple(t *testing.T) {
	table := NewTable(16, 0)
	now := time.Now()

	f1, toServer1, _, ok := table.Lookup(tcpTuple("10.0.0.1", 1234, "10.0.0.2", 80), now)
	assert.True(t, ok)
	f1.DecRef()

	f2, toServer2, created2, ok := table.Lookup(tcpTuple("10.0.0.2", 80, "10.0.0.1", 1234), now)
	assert.True(t, ok)
	assert.False(t, created2)
	assert.Same(t, f1, f2)
	assert.NotEqual(t, toServer1, toServer2)
	f2.DecRef()
}

func TestLookupRefusesNewFlowWhenPoolExhausted(t *testing.T) {
	table := NewTable(1, 0)
	now := time.Now()

	f1, _, created1, ok := table.Lookup(tcpTuple("10.0.0.1", 1, "10.0.0.2", 2), now)
	assert.True(t, ok)
	assert.True(t, created1)

	_, _, _, ok2 := table.Lookup(tcpTuple("10.0.0.3", 3, "10.0.0.4", 4), now)
	assert.False(t, ok2)

	f1.DecRef()
}

func TestRemoveReturnsFlowToPoolOnlyWhenUnreferenced(t *testing.T) {
	table := NewTable(1, 0)
	now := time.Now()

	f1, _, _, ok := table.Lookup(tcpTuple("10.0.0.1", 1, "10.0.0.2", 2), now)
	assert.True(t, ok)

	f1.DecRef()
	table.Remove(f1)
	_, _, created2, ok2 := table.Lookup(tcpTuple("10.0.0.5", 5, "10.0.0.6", 6), now)
	assert.True(t, ok2)
	assert.True(t, created2)
}

func TestEmergencyModeSetsOnMemcapExceeded(t *testing.T) {
	table := NewTable(4, 256) // one flow's worth of budget
	now := time.Now()

	assert.False(t, table.Emergency())
	f1, _, _, ok := table.Lookup(tcpTuple("10.0.0.1", 1, "10.0.0.2", 2), now)
	assert.True(t, ok)
	assert.True(t, table.Emergency())
	f1.DecRef()
}

func TestManagerSweepReapsOnlyIdleUnreferencedFlows(t *testing.T) {
	table := NewTable(8, 0)
	mgr := NewManager(table, time.Hour, nil)

	past := time.Now().Add(-time.Hour)
	busy, _, _, ok := table.Lookup(tcpTuple("10.0.0.1", 1, "10.0.0.2", 2), past)
	assert.True(t, ok)
	// referenced flow: must not be reaped even though idle.
	idle, _, _, ok := table.Lookup(tcpTuple("10.0.0.3", 3, "10.0.0.4", 4), past)
	assert.True(t, ok)
	idle.DecRef()

	reaped := mgr.Sweep(time.Now())
	assert.Equal(t, 1, reaped)

	busy.DecRef()
}
