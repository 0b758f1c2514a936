package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/sentryd/internal/packet"
)

func TestValidateRequiresExactlyOneSource(t *testing.T) {
	o := NewOptions()
	assert.ErrorIs(t, o.Validate(), errExactlyOneSource, "no source selected")

	o = NewOptions()
	o.PcapFile = "capture.pcap"
	assert.NoError(t, o.Validate())

	o = NewOptions()
	o.PcapDevice = "eth0"
	o.NfqSet = true
	assert.ErrorIs(t, o.Validate(), errExactlyOneSource, "two sources selected")

	o = NewOptions()
	o.AfPacketIface = "eth0"
	assert.NoError(t, o.Validate())
}

func TestValidateRejectsUnknownRunmode(t *testing.T) {
	o := NewOptions()
	o.PcapFile = "capture.pcap"
	o.Runmode = Runmode("bogus")
	assert.ErrorIs(t, o.Validate(), errUnknownRunmode)

	o.Runmode = RunmodeAutoFP
	assert.NoError(t, o.Validate())
}

func TestNewAppliesOptionsOverDefaults(t *testing.T) {
	o := New(WithPcapFile("capture.pcap", "tcp port 80"), WithWorkers(16), WithRunmode(RunmodeAutoFP))
	assert.Equal(t, "capture.pcap", o.PcapFile)
	assert.Equal(t, "tcp port 80", o.BPFFilter)
	assert.Equal(t, 16, o.Workers)
	assert.Equal(t, RunmodeAutoFP, o.Runmode)
	// untouched fields keep NewOptions' defaults
	assert.Equal(t, DefaultPoolCapacity, o.PoolCapacity)
}

func TestLoadReadsFlagsOverDefaults(t *testing.T) {
	v := viper.New()
	v.Set("pcap-file", "capture.pcap")
	v.Set("workers", 8)
	v.Set("flow-memcap-bytes", int64(1<<30))
	v.Set("runmode", "autofp")

	o, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "capture.pcap", o.PcapFile)
	assert.Equal(t, 8, o.Workers)
	assert.Equal(t, int64(1<<30), o.FlowMemcapBytes)
	assert.Equal(t, RunmodeAutoFP, o.Runmode)
	// untouched settings still carry NewOptions' defaults
	assert.Equal(t, DefaultQueueCapacity, o.QueueCapacity)
}

func TestLoadRejectsAmbiguousSourceSelection(t *testing.T) {
	v := viper.New()
	v.Set("pcap", "eth0")
	v.Set("pcap-file", "capture.pcap")

	_, err := Load(v)
	assert.ErrorIs(t, err, errExactlyOneSource)
}

func TestLoadSignaturesCompilesYAMLRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `
signatures:
  - sid: 1000001
    msg: "suspicious uri"
    action: drop
    proto: tcp
    dst_port: "80,8080"
    match:
      - content: "/admin"
        buffer: http_uri
        nocase: true
      - flow: "established,to_server"
  - sid: 1000002
    msg: "bad ip proto"
    action: reject
    match:
      - ip_proto: "!6"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	sigs, err := LoadSignatures(path)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	first := sigs[0]
	assert.Equal(t, uint32(1), first.SigIntID)
	assert.Equal(t, uint32(1), first.GID, "unset gid defaults to 1")
	assert.Equal(t, uint32(1000001), first.SID)
	assert.Equal(t, packet.ActionDrop, first.Action)
	assert.Equal(t, uint8(6), first.Proto)
	require.Len(t, first.DstPorts, 2)
	assert.True(t, first.DstPorts[0].Contains(80))
	assert.True(t, first.DstPorts[1].Contains(8080))
	require.Len(t, first.Match, 2)
	require.NotNil(t, first.Match[0].Content)
	assert.Equal(t, []byte("/admin"), first.Match[0].Content.Bytes)
	assert.True(t, first.Match[0].Content.Nocase)
	require.NotNil(t, first.Match[1].Flow)
	assert.True(t, first.Match[1].Flow.Established)
	assert.True(t, first.Match[1].Flow.ToServer)

	second := sigs[1]
	assert.Equal(t, packet.ActionReject, second.Action)
	require.NotNil(t, second.Match[0].IPProto)
	assert.True(t, second.Match[0].IPProto.Negate)
	assert.Equal(t, uint8(6), second.Match[0].IPProto.Proto)
}

func TestLoadSignaturesRejectsUnrecognizedAction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signatures:\n  - sid: 1\n    action: nuke\n"), 0o644))

	_, err := LoadSignatures(path)
	assert.Error(t, err)
}
