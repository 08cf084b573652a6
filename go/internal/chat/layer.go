// Package chat delivers session chat reliably over the unicast transport.
//
// Every message is acknowledged by each recipient and retried with backoff until
// all acks arrive or MaxAttempts is spent. Receivers ack before anything else,
// drop duplicates by message id and release messages in per-sender sequence order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/common/mailbox"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryBase     = 250 * time.Millisecond
	DefaultRetryMax      = 4 * time.Second
	DefaultMaxAttempts   = 5
	DefaultReorderWindow = time.Second
)

var (
	ErrNotOpen      = errors.New("chat is not open for a session")
	ErrEmptyMessage = errors.New("chat message is empty")
)

type Config struct {
	RetryBase     time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
	ReorderWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = DefaultRetryMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = DefaultReorderWindow
	}
	return c
}

type Transport interface {
	Self() models.Rider
	Send(ctx context.Context, rider uuid.UUID, p wire.Payload) error
}

// Roster supplies the riders a message has to reach.
type Roster interface {
	Members(ctx context.Context) ([]uuid.UUID, error)
}

type EventType string

const (
	EventMessageReceived EventType = "ChatMessageReceived"
	EventStatusChanged   EventType = "ChatStatusChanged"
)

type Event struct {
	Type    EventType
	Message models.ChatMessage
}

// Layer owns the chat state of the current session.
type Layer struct {
	cfg     Config
	clock   clockwork.Clock
	tr      Transport
	roster  Roster
	inbound <-chan transport.Inbound
	box     *mailbox.Mailbox
	events  chan Event
	runCtx  context.Context

	sessionID uuid.UUID
	seq       uint64
	log       []*models.ChatMessage
	out       *outbox
	in        *inbox
	gapTimers map[uuid.UUID]clockwork.Timer
}

// New creates the layer. inbound must carry ChatMessage and ChatAck.
func New(tr Transport, roster Roster, inbound <-chan transport.Inbound, clock clockwork.Clock, cfg Config) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		cfg:       cfg,
		clock:     clock,
		tr:        tr,
		roster:    roster,
		inbound:   inbound,
		box:       mailbox.New(256),
		events:    make(chan Event, 256),
		runCtx:    context.Background(),
		out:       newOutbox(),
		in:        newInbox(cfg.ReorderWindow, false),
		gapTimers: make(map[uuid.UUID]clockwork.Timer),
	}
}

func (l *Layer) Events() <-chan Event {
	return l.events
}

// Run handles incoming chat traffic until ctx is done.
func (l *Layer) Run(ctx context.Context) error {
	l.runCtx = ctx
	go l.box.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-l.inbound:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := l.box.Do(ctx, func() { l.handle(ctx, in) }); err != nil {
				return nil
			}
		}
	}
}

// Open starts a fresh chat log for sessionID. midSession is set when joining
// a session that was already running.
func (l *Layer) Open(ctx context.Context, sessionID uuid.UUID, midSession bool) error {
	return l.box.Do(ctx, func() {
		if l.sessionID == sessionID {
			return
		}
		l.reset()
		l.sessionID = sessionID
		l.in = newInbox(l.cfg.ReorderWindow, midSession)
	})
}

// Close stops all retries, fails whatever is still pending and returns the final log.
func (l *Layer) Close(ctx context.Context) ([]models.ChatMessage, error) {
	return mailbox.Call(ctx, l.box, func() ([]models.ChatMessage, error) {
		if l.sessionID == uuid.Nil {
			return nil, nil
		}
		for _, o := range l.out.drain() {
			o.msg.Status = models.ChatStatusFailed
		}
		for sender := range l.gapTimers {
			l.flushGap(sender, true)
		}
		out := l.snapshot()
		l.reset()
		return out, nil
	})
}

// Send queues text for every current session member.
func (l *Layer) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if len(text) > wire.MaxChatText {
		return models.ChatMessage{}, fmt.Errorf("%w: %d bytes", wire.ErrTextTooLong, len(text))
	}
	recipients, err := l.roster.Members(ctx)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("%w: %v", ErrNotOpen, err)
	}

	return mailbox.Call(ctx, l.box, func() (models.ChatMessage, error) {
		if l.sessionID == uuid.Nil {
			return models.ChatMessage{}, ErrNotOpen
		}
		l.seq++
		msg := &models.ChatMessage{
			ID:        uuid.New(),
			SessionID: l.sessionID,
			SenderID:  l.tr.Self().ID,
			Seq:       l.seq,
			Text:      text,
			SentAt:    l.clock.Now(),
			AckedBy:   make(map[uuid.UUID]bool, len(recipients)),
			Status:    models.ChatStatusPending,
		}
		l.log = append(l.log, msg)

		o := l.out.add(msg, recipients)
		if o.complete() {
			l.out.remove(msg.ID)
			msg.Status = models.ChatStatusSent
			return clone(msg), nil
		}
		l.transmit(o)
		return clone(msg), nil
	})
}

// Log returns every message of the session in per-sender order.
func (l *Layer) Log(ctx context.Context) ([]models.ChatMessage, error) {
	return mailbox.Call(ctx, l.box, func() ([]models.ChatMessage, error) {
		return l.snapshot(), nil
	})
}

func (l *Layer) handle(ctx context.Context, in transport.Inbound) {
	if l.sessionID == uuid.Nil {
		return
	}
	switch p := in.Msg.Payload.(type) {
	case *wire.ChatMessage:
		l.receive(ctx, in, p)
	case *wire.ChatAck:
		o, done := l.out.ack(p.MessageID, in.Msg.Sender)
		if !done {
			return
		}
		o.timer.Stop()
		o.msg.Status = models.ChatStatusSent
		l.publish(Event{Type: EventStatusChanged, Message: clone(o.msg)})
	}
}

func (l *Layer) receive(ctx context.Context, in transport.Inbound, p *wire.ChatMessage) {
	if p.SessionID != l.sessionID {
		return
	}
	if err := l.tr.Send(ctx, in.Msg.Sender, &wire.ChatAck{MessageID: p.MessageID}); err != nil {
		log.Warn().Err(err).Str("message_id", p.MessageID.String()).Msg("failed to ack chat message")
	}

	msg := models.ChatMessage{
		ID:        p.MessageID,
		SessionID: p.SessionID,
		SenderID:  in.Msg.Sender,
		Seq:       p.Seq,
		Text:      p.Text,
		SentAt:    in.Msg.Time(),
		Status:    models.ChatStatusReceived,
	}
	ready, dup, gap := l.in.accept(msg, l.clock.Now())
	if dup {
		log.Debug().Str("message_id", msg.ID.String()).Msg("duplicate chat message")
		return
	}
	l.deliver(ready)
	if gap {
		l.armGap(msg.SenderID)
	}
}

func (l *Layer) deliver(msgs []models.ChatMessage) {
	for i := range msgs {
		m := msgs[i]
		l.log = append(l.log, &m)
		l.publish(Event{Type: EventMessageReceived, Message: m})
	}
}

// transmit sends o to everyone who has not acked and schedules the next retry.
func (l *Layer) transmit(o *outbound) {
	o.msg.Attempts++
	p := &wire.ChatMessage{SessionID: o.msg.SessionID, MessageID: o.msg.ID, Seq: o.msg.Seq, Text: o.msg.Text}
	for _, rider := range o.unacked() {
		if err := l.tr.Send(l.runCtx, rider, p); err != nil {
			log.Debug().Err(err).Str("rider_id", rider.String()).Msg("chat send failed")
		}
	}

	ctx := l.runCtx
	o.timer = l.clock.AfterFunc(backoff(l.cfg.RetryBase, l.cfg.RetryMax, o.msg.Attempts), func() {
		members, err := l.roster.Members(ctx)
		l.box.Post(func() { l.retry(o, members, err) })
	})
}

func (l *Layer) retry(o *outbound, members []uuid.UUID, membersErr error) {
	if l.out.pending[o.msg.ID] != o {
		return
	}
	if membersErr == nil {
		o.prune(members)
	}
	switch {
	case o.complete():
		l.out.remove(o.msg.ID)
		o.msg.Status = models.ChatStatusSent
	case o.msg.Attempts >= l.cfg.MaxAttempts:
		l.out.remove(o.msg.ID)
		o.msg.Status = models.ChatStatusFailed
		log.Warn().
			Str("message_id", o.msg.ID.String()).
			Int("attempts", o.msg.Attempts).
			Int("unacked", len(o.unacked())).
			Msg("chat message failed")
	default:
		l.transmit(o)
		return
	}
	l.publish(Event{Type: EventStatusChanged, Message: clone(o.msg)})
}

func (l *Layer) armGap(sender uuid.UUID) {
	if _, ok := l.gapTimers[sender]; ok {
		return
	}
	deadline, ok := l.in.gapDeadline(sender)
	if !ok {
		return
	}
	l.gapTimers[sender] = l.clock.AfterFunc(deadline.Sub(l.clock.Now()), func() {
		l.box.Post(func() { l.flushGap(sender, false) })
	})
}

// flushGap releases sender's buffered messages once the reorder window has passed.
func (l *Layer) flushGap(sender uuid.UUID, force bool) {
	if t, ok := l.gapTimers[sender]; ok {
		t.Stop()
		delete(l.gapTimers, sender)
	}
	now := l.clock.Now()
	if force {
		now = now.Add(l.cfg.ReorderWindow)
	}
	ready, ok := l.in.expire(sender, now)
	if !ok {
		l.armGap(sender)
		return
	}
	if len(ready) > 0 {
		log.Debug().Str("sender_id", sender.String()).Int("released", len(ready)).Msg("chat gap expired")
	}
	l.deliver(ready)
}

func (l *Layer) reset() {
	l.out.drain()
	for sender, t := range l.gapTimers {
		t.Stop()
		delete(l.gapTimers, sender)
	}
	l.sessionID = uuid.Nil
	l.seq = 0
	l.log = nil
	l.out = newOutbox()
	l.in = newInbox(l.cfg.ReorderWindow, false)
}

func (l *Layer) snapshot() []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(l.log))
	for _, m := range l.log {
		out = append(out, clone(m))
	}
	orderPerSender(out)
	return out
}

func (l *Layer) publish(ev Event) {
	select {
	case l.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("chat event dropped, subscriber too slow")
	}
}

func clone(m *models.ChatMessage) models.ChatMessage {
	out := *m
	if m.AckedBy != nil {
		out.AckedBy = make(map[uuid.UUID]bool, len(m.AckedBy))
		for k, v := range m.AckedBy {
			out.AckedBy[k] = v
		}
	}
	return out
}
