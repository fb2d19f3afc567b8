package session

import "github.com/agentmux/agentmux/internal/gateway/store"

// ringBuffer holds the in-memory tail of a session's event log, bounded
// by an event count and a total payload byte size. Only the owning
// actor touches it.
type ringBuffer struct {
	events    []store.Event
	bytes     int
	maxEvents int
	maxBytes  int
}

func newRingBuffer(maxEvents, maxBytes int) *ringBuffer {
	return &ringBuffer{
		maxEvents: maxEvents,
		maxBytes:  maxBytes,
	}
}

func (r *ringBuffer) push(ev store.Event) {
	r.events = append(r.events, ev)
	r.bytes += ev.Size()
}

// overLimit reports whether either bound has been reached.
func (r *ringBuffer) overLimit() bool {
	return len(r.events) > r.maxEvents || r.bytes > r.maxBytes
}

func (r *ringBuffer) len() int { return len(r.events) }

// firstSeq returns the lowest buffered seq, or 0 when empty.
func (r *ringBuffer) firstSeq() int64 {
	if len(r.events) == 0 {
		return 0
	}
	return r.events[0].Seq
}

// lastSeq returns the highest buffered seq, or 0 when empty.
func (r *ringBuffer) lastSeq() int64 {
	if len(r.events) == 0 {
		return 0
	}
	return r.events[len(r.events)-1].Seq
}

// evictHead drops the oldest event and returns it.
func (r *ringBuffer) evictHead() store.Event {
	ev := r.events[0]
	r.events = r.events[1:]
	r.bytes -= ev.Size()
	return ev
}

// from returns the buffered events with seq >= fromSeq in ascending
// order. The returned slice aliases the buffer; callers must not hold it
// across appends.
func (r *ringBuffer) from(fromSeq int64) []store.Event {
	if len(r.events) == 0 {
		return nil
	}
	first := r.events[0].Seq
	if fromSeq <= first {
		return r.events
	}
	idx := int(fromSeq - first)
	if idx >= len(r.events) {
		return nil
	}
	return r.events[idx:]
}
