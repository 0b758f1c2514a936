package flow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloom/sentryd/internal/pool"
)

// DefaultBucketCount is the fixed bucket count spec.md §3 calls for ("a
// hash table of fixed bucket count").
const DefaultBucketCount = 65536

type bucket struct {
	mu   sync.Mutex
	head *Flow
}

// Table is the flow hash table: a fixed number of buckets, each a
// doubly-linked list of Flows, each bucket independently mutex-guarded so
// holding times stay bounded and bucket-local (§5).
type Table struct {
	buckets []bucket
	pool    *pool.Pool[*Flow]

	memcapBytes  int64
	usedBytes    int64
	emergency    int32 // atomic bool
	perFlowBytes int64
}

// NewTable builds a flow table with capacity flows available from the pool
// and the given memory cap in bytes (enforced approximately, by counting
// capacity flows at a fixed per-flow cost).
func NewTable(capacity int, memcapBytes int64) *Table {
	t := &Table{
		buckets:     make([]bucket, DefaultBucketCount),
		memcapBytes: memcapBytes,
	}
	t.perFlowBytes = 256 // approximate accounting unit per live flow
	t.pool = pool.New(capacity, func() *Flow { return &Flow{} })
	return t
}

func (t *Table) bucketFor(tuple Tuple) *bucket {
	return &t.buckets[tuple.hash()%uint32(len(t.buckets))]
}

// Lookup resolves the flow for tuple, creating one if the bucket has no
// match. It reports whether the packet travels from the flow's canonical
// low side to its high side (toServer), and whether the flow was newly
// created. The returned Flow's reference count has already been bumped by
// one for the caller (§4.2's ref-count discipline); callers MUST DecRef
// when done.
func (t *Table) Lookup(raw Tuple, now time.Time) (f *Flow, toServer bool, created bool, ok bool) {
	canon, flipped := Canonicalize(raw)
	toServer = !flipped

	b := t.bucketFor(canon)
	b.mu.Lock()
	defer b.mu.Unlock()

	for cur := b.head; cur != nil; cur = cur.next {
		if cur.Tuple.Equal(canon) {
			cur.IncRef()
			cur.touch(now)
			return cur, toServer, false, true
		}
	}

	if t.Emergency() {
		// Under memory pressure, refuse new flows until pressure subsides,
		// per §5's memory-budgeting policy, UNLESS the pool still has slack
		// (emergency mode shortens timeouts first; only a truly exhausted
		// pool refuses outright).
		if t.pool.Available() == 0 {
			return nil, toServer, false, false
		}
	}

	nf, got := t.pool.Get()
	if !got {
		t.setEmergency(true)
		return nil, toServer, false, false
	}

	*nf = *newFlow(canon, now)
	if canon.SrcIP.To4() != nil {
		nf.Flags |= FlagIPv4
	} else {
		nf.Flags |= FlagIPv6
	}
	nf.IncRef()

	nf.next = b.head
	if b.head != nil {
		b.head.prev = nf
	}
	b.head = nf

	atomic.AddInt64(&t.usedBytes, t.perFlowBytes)
	t.refreshEmergency()

	return nf, toServer, true, true
}

// unlink removes f from its bucket's chain. Caller must hold the bucket's
// mutex.
func (b *bucket) unlink(f *Flow) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		b.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	}
	f.next, f.prev = nil, nil
}

// Remove unlinks and frees f, returning it to the pool. It does nothing
// if f is still referenced (f.UseCount() != 0), checked under the bucket
// lock that Lookup takes before handing out a reference.
func (t *Table) Remove(f *Flow) {
	b := t.bucketFor(f.Tuple)
	b.mu.Lock()
	defer b.mu.Unlock()

	if f.UseCount() != 0 {
		return
	}

	f.Lock()
	if f.Proto != nil {
		f.Proto.Free()
	}
	f.Unlock()

	b.unlink(f)
	f.reset()
	t.pool.Put(f)

	atomic.AddInt64(&t.usedBytes, -t.perFlowBytes)
	t.refreshEmergency()
}

func (t *Table) refreshEmergency() {
	used := atomic.LoadInt64(&t.usedBytes)
	t.setEmergency(t.memcapBytes > 0 && used >= t.memcapBytes)
}

func (t *Table) setEmergency(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&t.emergency, v)
}

// Emergency reports whether the flow table is currently under memory
// pressure (§5, §7: FlowMemcap).
func (t *Table) Emergency() bool { return atomic.LoadInt32(&t.emergency) == 1 }

// UsedBytes and Capacity back counters/operational visibility.
func (t *Table) UsedBytes() int64 { return atomic.LoadInt64(&t.usedBytes) }
func (t *Table) Capacity() int    { return t.pool.Cap() }

// ForEachBucket walks every bucket, invoking fn with the bucket locked.
// Used by the manager's sweep; fn must not block.
func (t *Table) ForEachBucket(fn func(first *Flow)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		fn(b.head)
		b.mu.Unlock()
	}
}
