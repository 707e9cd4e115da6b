// Package blocked implements the blocked-waiter registry: per-key FIFO
// queues of suspended clients plus a timeout priority queue, kept mutually
// consistent: a clientID appears in entries[key] if and only if key appears
// in clientToKeys[clientID], at most once per (clientID, key) pair, and
// Unblock always purges both sides together. container/heap is the
// idiomatic stdlib choice for the timeout queue.
package blocked

import (
	"container/heap"
	"time"

	"github.com/redisq/redisq/internal/stream"
)

// Command identifies which blocking command a waiter is suspended on.
type Command int

const (
	CommandBLPop Command = iota
	CommandXRead
)

// Record is the blocked-client record returned by NextClientForKey and
// ExpireBefore. XReadStarts is only meaningful when Command is
// CommandXRead: it is the per-key exclusive-start ID the client requested.
type Record struct {
	ClientID    uint64
	Command     Command
	XReadStarts map[string]stream.ID
}

// timeoutItem is one entry of the timeout min-heap, ordered by deadline with
// push order (seq) as the tiebreak.
type timeoutItem struct {
	deadline time.Time
	clientID uint64
	seq      int64
}

type timeoutHeap []*timeoutItem

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}
func (h timeoutHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x any)   { *h = append(*h, x.(*timeoutItem)) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Registry is the blocked-waiter registry. It has no internal locking: like
// Store, it is owned and called only by the single executor goroutine.
type Registry struct {
	entries      map[string][]uint64 // key -> FIFO of clientIDs
	clientToKeys map[uint64][]string // clientID -> keys it is registered on
	clientMeta   map[uint64]Record   // clientID -> the blocking call's command info
	timeoutQueue timeoutHeap
	pushSeq      int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:      make(map[string][]uint64),
		clientToKeys: make(map[uint64][]string),
		clientMeta:   make(map[uint64]Record),
	}
}

// Block registers clientID on every key in keys, in order, deduplicating
// keys so at most one entry per (clientID, key) pair is created even if the
// caller passed a repeated key. If timeoutSec > 0 a deadline is pushed onto
// the timeout heap; 0 means "no timeout".
func (r *Registry) Block(clientID uint64, keys []string, cmd Command, xreadStarts map[string]stream.ID, timeoutSec float64, now time.Time) {
	r.clientMeta[clientID] = Record{ClientID: clientID, Command: cmd, XReadStarts: xreadStarts}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		r.entries[key] = append(r.entries[key], clientID)
		r.clientToKeys[clientID] = append(r.clientToKeys[clientID], key)
	}

	if timeoutSec > 0 {
		deadline := now.Add(time.Duration(timeoutSec * float64(time.Second)))
		heap.Push(&r.timeoutQueue, &timeoutItem{deadline: deadline, clientID: clientID, seq: r.pushSeq})
		r.pushSeq++
	}
}

// NextClientForKey scans entries[key] in FIFO order for the first waiter
// registered with the given command, pops it, and removes that client from
// every other key it was registered on. Waiters registered for a different
// command (e.g. a BLPOP waiter on a key an XADD is about to deliver to) are
// left in place in their original order — spec.md §4.G's XADD delivery is
// explicit that only a waiter "whose command is XRead" is a candidate,
// never any FIFO entry regardless of which command registered it.
func (r *Registry) NextClientForKey(key string, want Command) (Record, bool) {
	for _, clientID := range r.entries[key] {
		rec, ok := r.clientMeta[clientID]
		if !ok || rec.Command != want {
			continue
		}
		r.Unblock(clientID)
		return rec, true
	}
	return Record{}, false
}

// Unblock removes clientID from every FIFO it appears in and clears its
// clientToKeys/clientMeta entries. The timeout-heap entry, if any, is left
// in place as a tombstone — ExpireBefore recognizes it as stale via the
// clientMeta lookup.
func (r *Registry) Unblock(clientID uint64) {
	for _, key := range r.clientToKeys[clientID] {
		queue := r.entries[key]
		for i, id := range queue {
			if id == clientID {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(r.entries, key)
		} else {
			r.entries[key] = queue
		}
	}
	delete(r.clientToKeys, clientID)
	delete(r.clientMeta, clientID)
}

// EarliestTimeout peeks the timeout heap's minimum deadline.
func (r *Registry) EarliestTimeout() (time.Time, bool) {
	if len(r.timeoutQueue) == 0 {
		return time.Time{}, false
	}
	return r.timeoutQueue[0].deadline, true
}

// ExpireBefore pops every heap entry with deadline <= instant. A popped
// entry whose client is no longer registered (clientMeta has no entry for
// it — it already woke via NextClientForKey or a prior Unblock) is a stale
// tombstone and is skipped; otherwise its Record is returned and the client
// is unblocked.
func (r *Registry) ExpireBefore(instant time.Time) []Record {
	var expired []Record
	for len(r.timeoutQueue) > 0 && !r.timeoutQueue[0].deadline.After(instant) {
		item := heap.Pop(&r.timeoutQueue).(*timeoutItem)
		rec, ok := r.clientMeta[item.clientID]
		if !ok {
			continue
		}
		expired = append(expired, rec)
		r.Unblock(item.clientID)
	}
	return expired
}
