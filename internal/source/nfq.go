package source

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnsupportedSource is returned by inline sources this build doesn't
// carry a platform binding for.
var ErrUnsupportedSource = errors.New("source: unsupported on this platform")

// NfqSource is the inline (IPS) source for Linux NFQUEUE. The engine's
// source.Source contract is exercised end-to-end by PcapFileSource/
// PcapLiveSource; NfqSource documents the inline/verdict contract those two
// don't (they're passive) without pulling in a cgo-only netfilter binding
// the example pack carries nowhere. A real build tags in a platform file
// providing nfqueue bindings and satisfies this same interface.
type NfqSource struct {
	QueueNum uint16
}

var _ Source = (*NfqSource)(nil)

func NewNfqSource(queueNum uint16) *NfqSource {
	return &NfqSource{QueueNum: queueNum}
}

func (s *NfqSource) Open(ctx context.Context) error { return ErrUnsupportedSource }

func (s *NfqSource) Poll() (RawPacket, error) { return RawPacket{}, ErrUnsupportedSource }

// Verdict would call nfq_set_verdict; translated from the engine's action
// bits by internal/verdict.
func (s *NfqSource) Verdict(pkt RawPacket, v Verdict) error { return ErrUnsupportedSource }

func (s *NfqSource) Close() error { return nil }
