// Package gid provides short, tagged, base62-encoded identifiers for the
// engine's in-memory objects (flows, TCP sessions, stream messages). These
// are handles used for log correlation, not wire-format identifiers: rule
// sid/gid/rev are plain uint32s dictated by the rule syntax and the
// unified-alert binary format and are never routed through this package.
//
// Adapted from the teacher's gid package: same base62 UUID encoding and
// tag-prefixed String() format, trimmed down to the two tags this engine
// needs and without the qualified-ID / JSON-marshaling machinery that
// served a multi-tenant API surface this engine doesn't have.
package gid

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var baseBigInt = big.NewInt(62)

// FlowTag identifies a Flow record.
const FlowTag = "flw"

// StreamTag identifies a reassembled stream message.
const StreamTag = "stm"

// FlowID uniquely identifies a Flow for the lifetime of the process.
type FlowID uuid.UUID

// NewFlowID draws a fresh random flow identifier.
func NewFlowID() FlowID { return FlowID(uuid.New()) }

func (id FlowID) String() string { return tag(FlowTag, uuid.UUID(id)) }

// StreamID uniquely identifies a stream message's parent TCP session.
type StreamID uuid.UUID

// NewStreamID draws a fresh random stream identifier.
func NewStreamID() StreamID { return StreamID(uuid.New()) }

func (id StreamID) String() string { return tag(StreamTag, uuid.UUID(id)) }

func tag(t string, id uuid.UUID) string {
	return t + "_" + encodeUUID(id)
}

// Parse recovers a tag and its underlying UUID from a String()-formatted id.
func Parse(s string) (tagName string, id uuid.UUID, err error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return "", uuid.Nil, errors.Errorf("invalid gid %q: missing tag separator", s)
	}
	id, err = decodeUUID(parts[1])
	if err != nil {
		return "", uuid.Nil, errors.Wrapf(err, "invalid gid %q", s)
	}
	return parts[0], id, nil
}

func encodeUUID(u uuid.UUID) string {
	uuidBs := [16]byte(u)
	n := new(big.Int).SetBytes(uuidBs[:])

	destBs := make([]byte, 0, 22)
	zero := big.NewInt(0)
	for n.Cmp(zero) > 0 {
		r := new(big.Int)
		r.Mod(n, baseBigInt)
		n.Div(n, baseBigInt)
		destBs = append([]byte{alphabet[r.Int64()]}, destBs...)
	}

	// Pad to a fixed 22-character width, the max length of an encoded UUID.
	for len(destBs) < 22 {
		destBs = append([]byte{'0'}, destBs...)
	}
	return string(destBs)
}

func decodeUUID(s string) (uuid.UUID, error) {
	var bigI big.Int
	for _, c := range []byte(s) {
		i := strings.IndexByte(alphabet, c)
		if i < 0 {
			return uuid.Nil, errors.Errorf("unexpected character %c in base62 literal", c)
		}
		bigI.Mul(&bigI, baseBigInt)
		bigI.Add(&bigI, big.NewInt(int64(i)))
	}

	b := bigI.Bytes()
	if len(b) > 16 {
		return uuid.Nil, errors.New("cannot have more than 16 bytes of UUID")
	}
	if len(b) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(b):], b)
		b = padded
	}
	return uuid.FromBytes(b)
}
