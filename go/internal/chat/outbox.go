package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
)

// outbound is one of our messages still waiting for acks.
type outbound struct {
	msg        *models.ChatMessage
	recipients map[uuid.UUID]bool
	timer      clockwork.Timer
}

// unacked returns the recipients that have not acknowledged yet.
func (o *outbound) unacked() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(o.recipients))
	for rider := range o.recipients {
		if !o.msg.AckedBy[rider] {
			out = append(out, rider)
		}
	}
	return out
}

func (o *outbound) complete() bool {
	for rider := range o.recipients {
		if !o.msg.AckedBy[rider] {
			return false
		}
	}
	return true
}

// prune drops recipients that are no longer session members.
func (o *outbound) prune(members []uuid.UUID) {
	keep := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		keep[m] = true
	}
	for rider := range o.recipients {
		if !keep[rider] {
			delete(o.recipients, rider)
		}
	}
}

// backoff is the wait after the given attempt: base, 2*base, ... capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// outbox tracks our unacknowledged messages by id.
type outbox struct {
	pending map[uuid.UUID]*outbound
}

func newOutbox() *outbox {
	return &outbox{pending: make(map[uuid.UUID]*outbound)}
}

func (b *outbox) add(msg *models.ChatMessage, recipients []uuid.UUID) *outbound {
	o := &outbound{msg: msg, recipients: make(map[uuid.UUID]bool, len(recipients))}
	for _, r := range recipients {
		o.recipients[r] = true
	}
	b.pending[msg.ID] = o
	return o
}

// ack records rider's acknowledgement. It returns the message once every recipient has acked.
func (b *outbox) ack(id, rider uuid.UUID) (*outbound, bool) {
	o, ok := b.pending[id]
	if !ok || !o.recipients[rider] {
		return nil, false
	}
	o.msg.AckedBy[rider] = true
	if !o.complete() {
		return o, false
	}
	delete(b.pending, id)
	return o, true
}

func (b *outbox) remove(id uuid.UUID) {
	delete(b.pending, id)
}

// drain stops every retry timer and returns what was still pending.
func (b *outbox) drain() []*outbound {
	out := make([]*outbound, 0, len(b.pending))
	for id, o := range b.pending {
		if o.timer != nil {
			o.timer.Stop()
		}
		out = append(out, o)
		delete(b.pending, id)
	}
	return out
}
