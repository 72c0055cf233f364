package bridge

import (
	"sync"
	"sync/atomic"
)

// ItemKind discriminates what one Read call returned.
type ItemKind int

const (
	ItemNone ItemKind = iota
	ItemAudio
	ItemIndex
	ItemDone
	ItemError
)

func (k ItemKind) String() string {
	switch k {
	case ItemNone:
		return "none"
	case ItemAudio:
		return "audio"
	case ItemIndex:
		return "index"
	case ItemDone:
		return "done"
	case ItemError:
		return "error"
	}
	return "unknown"
}

// Item is the non-audio half of a Read result. Gen identifies the
// utterance the item belongs to.
type Item struct {
	Kind  ItemKind
	Gen   uint32
	Value int
}

type queueItem struct {
	gen   uint32
	kind  ItemKind
	pcm   []byte
	off   int
	value int
}

// outQueue decouples engine timing from consumer timing. Items are stamped
// with their generation; activeGen gates pushes from the capture path,
// currentGen gates what the consumer may see. The queue is bounded by total
// buffered audio bytes and by item count, and backpressure is lossy: the
// oldest audio item is evicted, markers never are, producers never block.
type outQueue struct {
	mu       sync.Mutex
	items    []queueItem
	bytes    int
	maxBytes int
	maxItems int

	current atomic.Uint32
	active  atomic.Uint32
	evicted atomic.Uint64
	dropped atomic.Uint64
}

func newOutQueue(maxBytes, maxItems int) *outQueue {
	return &outQueue{maxBytes: maxBytes, maxItems: maxItems}
}

// Begin accepts a new generation: prior items are discarded wholesale and
// both gates open for gen.
func (q *outQueue) Begin(gen uint32) {
	q.mu.Lock()
	q.items = nil
	q.bytes = 0
	q.current.Store(gen)
	q.active.Store(gen)
	q.mu.Unlock()
}

// EndActive closes the capture gate once the utterance has fully drained.
func (q *outQueue) EndActive() {
	q.active.Store(0)
}

// Clear is the stop path: both gates close and everything buffered is
// dropped, so the next Read reports no data.
func (q *outQueue) Clear() {
	q.mu.Lock()
	q.current.Store(0)
	q.active.Store(0)
	q.items = nil
	q.bytes = 0
	q.mu.Unlock()
}

func (q *outQueue) PushAudio(gen uint32, pcm []byte) bool {
	if q.active.Load() != gen {
		q.dropped.Add(1)
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.makeRoom(len(pcm))
	q.items = append(q.items, queueItem{gen: gen, kind: ItemAudio, pcm: pcm})
	q.bytes += len(pcm)
	return true
}

// PushMarker enqueues an index or error marker, gated like audio.
func (q *outQueue) PushMarker(gen uint32, kind ItemKind, value int) bool {
	if q.active.Load() != gen {
		q.dropped.Add(1)
		return false
	}
	q.push(queueItem{gen: gen, kind: kind, value: value})
	return true
}

// PushDone enqueues the terminal marker ungated. Whether the consumer sees
// it is decided at Read time by currentGen: an external stop has already
// zeroed it, a timeout has not.
func (q *outQueue) PushDone(gen uint32) {
	q.push(queueItem{gen: gen, kind: ItemDone})
}

func (q *outQueue) push(it queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.makeRoom(0)
	q.items = append(q.items, it)
}

// makeRoom evicts oldest audio until the incoming payload fits. Markers are
// never evicted; if only markers remain the push proceeds over the cap.
func (q *outQueue) makeRoom(incoming int) {
	for q.bytes+incoming > q.maxBytes || len(q.items)+1 > q.maxItems {
		idx := -1
		for i := range q.items {
			if q.items[i].kind == ItemAudio {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		q.bytes -= len(q.items[idx].pcm) - q.items[idx].off
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.evicted.Add(1)
	}
}

// Read is the non-blocking pull. With no current generation it clears
// residue and reports no data. Stale-generation items are dropped first.
// Audio items are consumed up to len(p) at a time, staying queued until
// fully drained; markers are dequeued whole and carry no bytes.
func (q *outQueue) Read(p []byte) (int, Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.current.Load()
	if cur == 0 {
		q.items = nil
		q.bytes = 0
		return 0, Item{Kind: ItemNone}
	}
	for len(q.items) > 0 && q.items[0].gen != cur {
		q.dropFront()
	}
	if len(q.items) == 0 {
		return 0, Item{Kind: ItemNone}
	}
	front := &q.items[0]
	if front.kind == ItemAudio {
		n := copy(p, front.pcm[front.off:])
		front.off += n
		q.bytes -= n
		if front.off >= len(front.pcm) {
			q.items = q.items[1:]
		}
		return n, Item{Kind: ItemAudio, Gen: front.gen}
	}
	it := Item{Kind: front.kind, Gen: front.gen, Value: front.value}
	q.items = q.items[1:]
	return 0, it
}

func (q *outQueue) dropFront() {
	front := q.items[0]
	if front.kind == ItemAudio {
		q.bytes -= len(front.pcm) - front.off
	}
	q.items = q.items[1:]
}

func (q *outQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
