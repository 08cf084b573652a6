package chat

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
)

type senderQueue struct {
	next     uint64
	buffered map[uint64]models.ChatMessage
	gapSince time.Time
}

// inbox deduplicates incoming messages and releases them in per-sender sequence order.
// A message that arrives ahead of a gap waits at most window for the gap to fill.
//
// A rider who joined mid-session never sees the earlier messages, so with
// midSession set each sender's sequence starts at the first message heard.
type inbox struct {
	window     time.Duration
	midSession bool
	seen       map[uuid.UUID]bool
	senders    map[uuid.UUID]*senderQueue
}

func newInbox(window time.Duration, midSession bool) *inbox {
	return &inbox{
		window:     window,
		midSession: midSession,
		seen:       make(map[uuid.UUID]bool),
		senders:    make(map[uuid.UUID]*senderQueue),
	}
}

// accept takes a message off the wire. It returns the messages that are now deliverable,
// whether msg was a duplicate, and whether a new gap started for its sender.
func (in *inbox) accept(msg models.ChatMessage, now time.Time) (ready []models.ChatMessage, dup, gap bool) {
	if in.seen[msg.ID] {
		return nil, true, false
	}
	in.seen[msg.ID] = true

	q, ok := in.senders[msg.SenderID]
	if !ok {
		q = &senderQueue{next: 1, buffered: make(map[uint64]models.ChatMessage)}
		if in.midSession && msg.Seq > 0 {
			q.next = msg.Seq
		}
		in.senders[msg.SenderID] = q
	}

	switch {
	case msg.Seq < q.next:
		// released past it already; deliver late rather than never
		return []models.ChatMessage{msg}, false, false
	case msg.Seq > q.next:
		q.buffered[msg.Seq] = msg
		if q.gapSince.IsZero() {
			q.gapSince = now
			return nil, false, true
		}
		return nil, false, false
	}

	ready = append(ready, msg)
	q.next++
	ready = append(ready, q.drainContiguous()...)
	if len(q.buffered) == 0 {
		q.gapSince = time.Time{}
		return ready, false, false
	}
	q.gapSince = now
	return ready, false, true
}

func (q *senderQueue) drainContiguous() []models.ChatMessage {
	var out []models.ChatMessage
	for {
		m, ok := q.buffered[q.next]
		if !ok {
			return out
		}
		delete(q.buffered, q.next)
		out = append(out, m)
		q.next++
	}
}

// expire releases sender's buffered messages in seq order once its gap has waited a full
// window. ok is false while the window is still running.
func (in *inbox) expire(sender uuid.UUID, now time.Time) (ready []models.ChatMessage, ok bool) {
	q, found := in.senders[sender]
	if !found || q.gapSince.IsZero() {
		return nil, true
	}
	if now.Sub(q.gapSince) < in.window {
		return nil, false
	}

	seqs := make([]uint64, 0, len(q.buffered))
	for s := range q.buffered {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, s := range seqs {
		ready = append(ready, q.buffered[s])
		delete(q.buffered, s)
	}
	if len(seqs) > 0 {
		q.next = seqs[len(seqs)-1] + 1
	}
	q.gapSince = time.Time{}
	return ready, true
}

// gapDeadline is when sender's current gap will be force-released.
func (in *inbox) gapDeadline(sender uuid.UUID) (time.Time, bool) {
	q, ok := in.senders[sender]
	if !ok || q.gapSince.IsZero() {
		return time.Time{}, false
	}
	return q.gapSince.Add(in.window), true
}

// orderPerSender puts each sender's messages in seq order without moving
// messages between senders: a sender's entries are sorted within the slots
// they already occupy.
func orderPerSender(msgs []models.ChatMessage) {
	slots := make(map[uuid.UUID][]int)
	for i, m := range msgs {
		slots[m.SenderID] = append(slots[m.SenderID], i)
	}
	for _, idx := range slots {
		own := make([]models.ChatMessage, len(idx))
		for i, at := range idx {
			own[i] = msgs[at]
		}
		sort.SliceStable(own, func(i, j int) bool { return own[i].Seq < own[j].Seq })
		for i, at := range idx {
			msgs[at] = own[i]
		}
	}
}
