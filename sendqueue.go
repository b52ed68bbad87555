package engine

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// queuedMessage pairs an outbound wire message with the release for any
// buffer backing its payload (a Piece response holds a reference into a
// disk-read buffer; everything else has a nil release).
type queuedMessage struct {
	msg     pp.Message
	release func()
}

// peerSendQueue is the FIFO of outbound messages for one PeerSession,
// adapted from peerConnMsgWriter: instead of buffering already-marshaled
// bytes, it buffers Message values and lets the connection layer marshal on
// drain, since this engine does not own the socket.
type peerSendQueue struct {
	logger log.Logger

	mu        sync.Mutex
	queue     []queuedMessage
	writeCond chansync.BroadcastCond

	closed bool
}

// Enqueue appends msg to the tail of the queue, optionally carrying a
// buffer release that runs once the connection layer has written it.
func (q *peerSendQueue) Enqueue(msg pp.Message, release func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if release != nil {
			release()
		}
		return
	}
	q.queue = append(q.queue, queuedMessage{msg: msg, release: release})
	q.writeCond.Broadcast()
}

// Drain removes and returns every currently queued message, for the
// connection layer to marshal and write. The engine asks the connection
// layer to do so through nudgeSendQueue, which is also tick.go's post-logic
// "drain the send queue" step (§4.5).
func (q *peerSendQueue) Drain() []queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	out := q.queue
	q.queue = nil
	return out
}

// RemoveMatchingPiece tries to cancel a not-yet-drained Piece response for
// the given request, as the dispatcher's Cancel handler does (§4.2). Returns
// true if a queued message was removed.
func (q *peerSendQueue) RemoveMatchingPiece(index, begin, length pp.Integer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, qm := range q.queue {
		m := qm.msg
		if m.Type != pp.Piece {
			continue
		}
		if m.Index == index && m.Begin == begin && (m.Length == length || pp.Integer(len(m.Piece)) == length) {
			if qm.release != nil {
				qm.release()
			}
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Close drains the queue, running every pending buffer release, and marks
// the queue closed against further Enqueue calls.
func (q *peerSendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, qm := range q.queue {
		if qm.release != nil {
			qm.release()
		}
	}
	q.queue = nil
	q.writeCond.Broadcast()
}

func (q *peerSendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
