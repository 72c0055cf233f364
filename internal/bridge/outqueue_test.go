package bridge

import (
	"bytes"
	"testing"
)

func TestQueueEvictsOldestAudioFirst(t *testing.T) {
	q := newOutQueue(100, 10)
	q.Begin(1)
	first := bytes.Repeat([]byte{0xAA}, 60)
	second := bytes.Repeat([]byte{0xBB}, 60)
	if !q.PushAudio(1, first) {
		t.Fatal("first push rejected")
	}
	if !q.PushAudio(1, second) {
		t.Fatal("second push rejected")
	}
	if q.Depth() != 1 {
		t.Fatalf("depth %d after eviction, want 1", q.Depth())
	}
	buf := make([]byte, 100)
	n, item := q.Read(buf)
	if item.Kind != ItemAudio || n != 60 {
		t.Fatalf("read %d bytes kind %v, want 60 audio", n, item.Kind)
	}
	if !bytes.Equal(buf[:n], second) {
		t.Fatal("older audio survived instead of newer")
	}
	if q.evicted.Load() != 1 {
		t.Fatalf("evicted %d items, want 1", q.evicted.Load())
	}
}

func TestQueueNeverEvictsMarkers(t *testing.T) {
	q := newOutQueue(1<<20, 3)
	q.Begin(7)
	q.PushMarker(7, ItemIndex, 1)
	q.PushAudio(7, []byte{1})
	q.PushAudio(7, []byte{2})
	// Item cap reached; the next push must evict audio, not the marker.
	q.PushMarker(7, ItemIndex, 2)
	buf := make([]byte, 16)
	_, item := q.Read(buf)
	if item.Kind != ItemIndex || item.Value != 1 {
		t.Fatalf("front item %v value %d, want first index marker", item.Kind, item.Value)
	}
	// Only markers left at cap: pushes still go through.
	q.PushMarker(7, ItemIndex, 3)
	q.PushMarker(7, ItemIndex, 4)
	for _, want := range []int{2, 3, 4} {
		var it Item
		for {
			_, it = q.Read(buf)
			if it.Kind != ItemAudio {
				break
			}
		}
		if it.Kind != ItemIndex || it.Value != want {
			t.Fatalf("marker %v value %d, want index %d", it.Kind, it.Value, want)
		}
	}
}

func TestQueuePartialReads(t *testing.T) {
	q := newOutQueue(1<<20, 16)
	q.Begin(3)
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	q.PushAudio(3, payload)
	var got []byte
	buf := make([]byte, 3)
	for {
		n, item := q.Read(buf)
		if item.Kind == ItemNone {
			break
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("partial reads reassembled %v, want %v", got, payload)
	}
	if q.Depth() != 0 || q.Buffered() != 0 {
		t.Fatalf("queue not drained: depth %d bytes %d", q.Depth(), q.Buffered())
	}
}

func TestQueueGatesPushesByGeneration(t *testing.T) {
	q := newOutQueue(1<<20, 16)
	q.Begin(2)
	if q.PushAudio(1, []byte{1}) {
		t.Fatal("push from stale generation accepted")
	}
	q.EndActive()
	if q.PushAudio(2, []byte{1}) {
		t.Fatal("push accepted after capture gate closed")
	}
	if q.dropped.Load() != 2 {
		t.Fatalf("dropped %d pushes, want 2", q.dropped.Load())
	}
}

func TestQueueReadWithoutGenerationClearsResidue(t *testing.T) {
	q := newOutQueue(1<<20, 16)
	buf := make([]byte, 8)
	if n, item := q.Read(buf); n != 0 || item.Kind != ItemNone {
		t.Fatalf("fresh queue read returned %d %v", n, item.Kind)
	}
	q.Begin(5)
	q.PushAudio(5, []byte{1, 2, 3})
	q.PushDone(5)
	q.Clear()
	if n, item := q.Read(buf); n != 0 || item.Kind != ItemNone {
		t.Fatalf("read after clear returned %d %v", n, item.Kind)
	}
	if q.Depth() != 0 {
		t.Fatalf("residue left after clear: %d items", q.Depth())
	}
}

func TestQueueDropsStaleFrontItems(t *testing.T) {
	q := newOutQueue(1<<20, 16)
	q.Begin(1)
	q.PushAudio(1, []byte{9, 9})
	q.PushDone(1)
	// A new generation accepted without Begin's wholesale clear: stale
	// items must be skipped at read time.
	q.current.Store(2)
	q.active.Store(2)
	q.PushAudio(2, []byte{7})
	buf := make([]byte, 8)
	n, item := q.Read(buf)
	if item.Kind != ItemAudio || n != 1 || buf[0] != 7 {
		t.Fatalf("read returned %d bytes kind %v, want the new generation's audio", n, item.Kind)
	}
}

func TestQueueDoneSurvivesUngated(t *testing.T) {
	q := newOutQueue(1<<20, 16)
	q.Begin(4)
	q.EndActive()
	q.PushDone(4)
	buf := make([]byte, 8)
	if _, item := q.Read(buf); item.Kind != ItemDone {
		t.Fatalf("done marker missing, got %v", item.Kind)
	}
}
