package output

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/source"
)

func TestUnifiedLogRoundTripPreservesFrameBytes(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "log")
	w, err := NewUnifiedLogWriter(prefix, 0, 65535)
	require.NoError(t, err)

	pkt := &packet.Packet{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Datalink:  source.DatalinkEthernet,
		Proto:     6,
		SrcIP:     net.ParseIP("10.0.0.1"),
		DstIP:     net.ParseIP("10.0.0.2"),
		SrcPort:   1234,
		DstPort:   80,
		Raw:       []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02},
	}
	require.NoError(t, w.Log(pkt))
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(prefix + ".*")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	r, err := NewUnifiedLogReader(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(65535), r.Snaplen)

	rec, frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(6), rec.Proto)
	assert.Equal(t, pkt.Raw, frame)
}

func TestUnifiedLogSynthesizesEthernetHeaderForNonEthernetDatalink(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "log")
	w, err := NewUnifiedLogWriter(prefix, 0, 65535)
	require.NoError(t, err)

	pkt := &packet.Packet{
		Datalink: source.DatalinkRaw,
		Proto:    6,
		SrcIP:    net.ParseIP("10.0.0.1"),
		DstIP:    net.ParseIP("10.0.0.2"),
		Raw:      []byte{0x45, 0x00, 0x00, 0x14},
	}
	require.NoError(t, w.Log(pkt))
	require.NoError(t, w.Close())

	matches, _ := filepath.Glob(prefix + ".*")
	require.Len(t, matches, 1)
	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	r, err := NewUnifiedLogReader(f)
	require.NoError(t, err)
	_, frame, err := r.Next()
	require.NoError(t, err)
	assert.Greater(t, len(frame), len(pkt.Raw), "a synthetic Ethernet header must be prepended")
}
