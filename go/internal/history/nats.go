package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep histories
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "LANRIDE",
		SubjectPrefix:   "lanride",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          30 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamSink publishes finished sessions to a JetStream stream and bridges
// live engine events onto plain NATS subjects.
type JetStreamSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamSink(ctx context.Context, cfg JetStreamConfig) (*JetStreamSink, error) {
	opts := []nats.Option{
		nats.Name("lanride"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &JetStreamSink{nc: nc, js: js, config: cfg}
	if err := s.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return s, nil
}

func (s *JetStreamSink) Name() string { return "jetstream" }

func (s *JetStreamSink) historySubject() string {
	return fmt.Sprintf("%s.history", s.config.SubjectPrefix)
}

func (s *JetStreamSink) eventSubject(t events.Type) string {
	return fmt.Sprintf("%s.events.%s", s.config.SubjectPrefix, t)
}

func (s *JetStreamSink) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        s.config.StreamName,
		Description: "Finished lanride sessions",
		Subjects:    []string{s.historySubject() + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    s.config.Replicas,
		Duplicates:  s.config.DuplicateWindow,
	}

	stream, err := s.js.Stream(ctx, s.config.StreamName)
	if err != nil {
		if _, err = s.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = s.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

// Store publishes h with the session id as message id, so retries are deduplicated by the stream.
func (s *JetStreamSink) Store(ctx context.Context, h models.SessionHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.historySubject(), h.Session.ID)
	ack, err := s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Session-ID": []string{h.Session.ID.String()},
			"Host-ID":    []string{h.Session.HostRiderID.String()},
		},
	},
		jetstream.WithMsgID(h.Session.ID.String()),
		jetstream.WithExpectStream(s.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Info().
		Str("subject", subject).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published session history")
	return nil
}

// PublishEvent forwards a live event on core NATS. Nothing is retained.
func (s *JetStreamSink) PublishEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: s.eventSubject(ev.Type),
		Data:    data,
		Header:  nats.Header{"Event-ID": []string{ev.ID}},
	}
	if ev.SessionID != "" {
		msg.Header.Set("Session-ID", ev.SessionID)
	}
	return s.nc.PublishMsg(msg)
}

// Bridge forwards every event from ch until it is closed or ctx is done.
func (s *JetStreamSink) Bridge(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.PublishEvent(ev); err != nil {
				log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to bridge event to NATS")
			}
		}
	}
}

func (s *JetStreamSink) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == len(b.Subjects) &&
		(len(a.Subjects) == 0 || a.Subjects[0] == b.Subjects[0])
}
