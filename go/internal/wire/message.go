// Package wire defines the datagram format shared by every lanride node.
//
// A datagram is a fixed 28 byte header followed by a payload encoded with protobuf
// wire primitives:
//
//	magic(2) version(1) tag(1) sender(16) sent_at(8, unix nanoseconds, big endian)
//
// The whole datagram must fit in MaxDatagramSize so it is never fragmented.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	Magic           uint16 = 0x4c52 // "LR"
	Version         uint8  = 1
	HeaderSize             = 28
	MaxDatagramSize        = 1200
	MaxChatText            = 512
)

var (
	ErrShortPacket        = errors.New("wire: packet shorter than header")
	ErrBadMagic           = errors.New("wire: bad magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	ErrUnknownTag         = errors.New("wire: unknown tag")
	ErrTooLarge           = errors.New("wire: datagram exceeds maximum size")
	ErrTextTooLong        = errors.New("wire: chat text too long")
	ErrNilPayload         = errors.New("wire: nil payload")
)

// Payload is one variant of the message union.
type Payload interface {
	Tag() Tag
	appendTo(b []byte) []byte
	unmarshal(b []byte) error
}

// Message is a decoded datagram.
type Message struct {
	Tag     Tag
	Sender  uuid.UUID
	SentAt  int64 // sender's local clock, unix nanoseconds
	Payload Payload
}

// New builds a message stamped with the sender's local time.
func New(sender uuid.UUID, sentAt time.Time, p Payload) *Message {
	m := &Message{Sender: sender, SentAt: sentAt.UnixNano(), Payload: p}
	if p != nil {
		m.Tag = p.Tag()
	}
	return m
}

// Time returns SentAt as a time.Time.
func (m *Message) Time() time.Time {
	return time.Unix(0, m.SentAt)
}

// Encode serializes m into a single datagram.
func Encode(m *Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, ErrNilPayload
	}
	tag := m.Payload.Tag()
	if c, ok := m.Payload.(*ChatMessage); ok && len(c.Text) > MaxChatText {
		return nil, ErrTextTooLong
	}

	b := make([]byte, HeaderSize, 128)
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	b[3] = byte(tag)
	copy(b[4:20], m.Sender[:])
	binary.BigEndian.PutUint64(b[20:28], uint64(m.SentAt))

	b = m.Payload.appendTo(b)
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	return b, nil
}

// Decode parses a datagram. Unknown payload fields are skipped.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortPacket
	}
	if len(b) > MaxDatagramSize {
		return nil, ErrTooLarge
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return nil, ErrBadMagic
	}
	if b[2] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[2])
	}

	tag := Tag(b[3])
	p, err := newPayload(tag)
	if err != nil {
		return nil, err
	}

	m := &Message{Tag: tag, Payload: p}
	copy(m.Sender[:], b[4:20])
	m.SentAt = int64(binary.BigEndian.Uint64(b[20:28]))

	if err := p.unmarshal(b[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", tag, err)
	}
	return m, nil
}

func newPayload(t Tag) (Payload, error) {
	switch t {
	case TagSessionAnnounce:
		return &SessionAnnounce{}, nil
	case TagSessionJoin:
		return &SessionJoin{}, nil
	case TagSessionLeave:
		return &SessionLeave{}, nil
	case TagSessionAccept:
		return &SessionAccept{}, nil
	case TagSessionReject:
		return &SessionReject{}, nil
	case TagSessionEnd:
		return &SessionEnd{}, nil
	case TagHeartbeat:
		return &Heartbeat{}, nil
	case TagMetricUpdate:
		return &MetricUpdate{}, nil
	case TagChatMessage:
		return &ChatMessage{}, nil
	case TagChatAck:
		return &ChatAck{}, nil
	case TagRaceAnnounce:
		return &RaceAnnounce{}, nil
	case TagRaceJoin:
		return &RaceJoin{}, nil
	case TagRaceCountdown:
		return &RaceCountdown{}, nil
	case TagRacePosition:
		return &RacePosition{}, nil
	case TagRaceFinish:
		return &RaceFinish{}, nil
	case TagRaceEnd:
		return &RaceEnd{}, nil
	case TagPing:
		return &Ping{}, nil
	case TagPong:
		return &Pong{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(t))
}
