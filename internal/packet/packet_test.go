package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetClearsEveryObservableField(t *testing.T) {
	p := &Packet{
		Raw:      []byte{1, 2, 3},
		Proto:    6,
		SrcPort:  80,
		Action:   ActionDrop,
		Events:   EventDecodeBadChecksum,
		Alerts:   []Alert{{SID: 1}},
		TunnelInner: 2,
	}
	p.Reset()

	assert.Empty(t, p.Raw)
	assert.Zero(t, p.Proto)
	assert.Zero(t, p.SrcPort)
	assert.Equal(t, ActionAccept, p.Action)
	assert.Zero(t, p.Events)
	assert.Empty(t, p.Alerts)
	assert.Zero(t, p.TunnelInner)
	assert.Nil(t, p.Flow)
}

func TestTunnelResolution(t *testing.T) {
	root := &Packet{TunnelInner: 2}
	assert.True(t, root.IsTunnelRoot())
	assert.False(t, root.TunnelResolved())

	root.TunnelVerdict = 1
	assert.False(t, root.TunnelResolved())

	root.TunnelVerdict = 2
	assert.True(t, root.TunnelResolved())
}

func TestEventFlags(t *testing.T) {
	p := &Packet{}
	assert.False(t, p.HasEvent(EventStreamGap))

	p.SetEvent(EventStreamGap)
	assert.True(t, p.HasEvent(EventStreamGap))
	assert.False(t, p.HasEvent(EventTCPInvalidAck))
}
