package session

import "sync"

// Sink is the outbound half of one subscriber connection. Send blocks
// until the frame reaches the transport or the transport fails. Close
// tears the connection down; a non-empty code is delivered to the
// client as a final error frame. Implemented by the websocket frontend;
// tests use in-memory sinks.
type Sink interface {
	Send(frame []byte) error
	Close(code, message string)
}

// subscriber is one attached client. The actor enqueues frames; a
// dedicated sender goroutine drains them to the sink so a stalled
// transport never blocks the actor. lastAck is actor-confined.
type subscriber struct {
	clientID   string
	deviceType string
	gatewayID  string
	sink       Sink
	lastAck    int64

	// backlog holds replayed frames, sent before anything from queue.
	// Set before the sender starts, never mutated after.
	backlog [][]byte
	queue   chan []byte

	closeOnce sync.Once
	closeCode string
	closeMsg  string
	done      chan struct{}
	finished  chan struct{}
}

func newSubscriber(clientID, deviceType, gatewayID string, sink Sink, depth int, backlog [][]byte, lastAck int64) *subscriber {
	s := &subscriber{
		clientID:   clientID,
		deviceType: deviceType,
		gatewayID:  gatewayID,
		sink:       sink,
		lastAck:    lastAck,
		backlog:    backlog,
		queue:      make(chan []byte, depth),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

// enqueue hands a frame to the sender. Returns false when the queue is
// full, which the actor treats as a slow subscriber. Frames offered
// after close are discarded.
func (s *subscriber) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- frame:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// close shuts the subscriber down. Queued frames are flushed before the
// sink closes, so a final state event still reaches the client.
func (s *subscriber) close(code, message string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeMsg = message
		close(s.done)
	})
}

func (s *subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscriber) sendLoop() {
	defer close(s.finished)
	defer func() {
		s.sink.Close(s.closeCode, s.closeMsg)
	}()

	for _, frame := range s.backlog {
		if err := s.sink.Send(frame); err != nil {
			s.close("", "")
			return
		}
	}
	s.backlog = nil

	for {
		select {
		case frame := <-s.queue:
			if err := s.sink.Send(frame); err != nil {
				s.close("", "")
				return
			}
		case <-s.done:
			// Flush what is already queued, then close the sink.
			for {
				select {
				case frame := <-s.queue:
					if err := s.sink.Send(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
