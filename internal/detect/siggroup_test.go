package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSigGroupHeadOrdersSignaturesAscending(t *testing.T) {
	members := []*Signature{
		{SigIntID: 3, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 1, Bytes: []byte("foo"), Buffer: BufferPacket}}}},
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 2, Bytes: []byte("bar"), Buffer: BufferPacket}}}},
		{SigIntID: 2},
	}
	sgh := buildSigGroupHead(members)
	assert.Equal(t, []uint32{1, 2, 3}, sgh.Signatures)
}

func TestBuildSigGroupHeadDedupsSharedPatternID(t *testing.T) {
	members := []*Signature{
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 5, Bytes: []byte("shared"), Buffer: BufferPacket}}}},
		{SigIntID: 2, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 5, Bytes: []byte("shared"), Buffer: BufferPacket}}}},
	}
	sgh := buildSigGroupHead(members)
	p, ok := sgh.Mpm.Pattern(5)
	require.True(t, ok)
	assert.Equal(t, "shared", string(p.Content))
}

func TestBuildSigGroupHeadIgnoresNonPacketBuffers(t *testing.T) {
	members := []*Signature{
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 7, Bytes: []byte("uri"), Buffer: BufferHTTPURI}}}},
	}
	sgh := buildSigGroupHead(members)
	_, ok := sgh.Mpm.Pattern(7)
	assert.False(t, ok, "http_uri content patterns must not feed the packet-buffer scan-tier MPM")
}

func TestGroupDedupKeyIgnoresSignatureIdentityAndOrdering(t *testing.T) {
	a := []*Signature{
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 10, Buffer: BufferPacket}}}},
		{SigIntID: 2, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 11, Buffer: BufferHTTPURI}}}},
	}
	b := []*Signature{
		{SigIntID: 99, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 11, Buffer: BufferHTTPURI}}}},
		{SigIntID: 42, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 10, Buffer: BufferPacket}}}},
	}
	assert.Equal(t, groupDedupKey(a), groupDedupKey(b))
}

func TestGroupDedupKeyDistinguishesDifferentMembership(t *testing.T) {
	a := []*Signature{
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 10, Buffer: BufferPacket}}}},
	}
	b := []*Signature{
		{SigIntID: 1, Match: []MatchElement{{Kind: MatchContent, Content: &ContentPattern{ID: 20, Buffer: BufferPacket}}}},
	}
	assert.NotEqual(t, groupDedupKey(a), groupDedupKey(b))
}
