package wire

import "github.com/google/uuid"

// SessionAnnounce is multicast by a host while its session is open.
type SessionAnnounce struct {
	SessionID uuid.UUID
	HostName  string
	WorldID   string
}

func (*SessionAnnounce) Tag() Tag { return TagSessionAnnounce }

func (p *SessionAnnounce) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendString(b, 2, p.HostName)
	return appendString(b, 3, p.WorldID)
}

func (p *SessionAnnounce) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.HostName, err = f.string()
		case 3:
			p.WorldID, err = f.string()
		}
		return err
	})
}

// SessionJoin asks to join, or is relayed by the host to announce a new member.
// RequestID is stable across retries of the same attempt.
type SessionJoin struct {
	SessionID   uuid.UUID
	RiderID     uuid.UUID
	RequestID   uuid.UUID
	DisplayName string
	At          int64
}

func (*SessionJoin) Tag() Tag { return TagSessionJoin }

func (p *SessionJoin) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUUID(b, 2, p.RiderID)
	b = appendUUID(b, 3, p.RequestID)
	b = appendString(b, 4, p.DisplayName)
	return appendInt(b, 5, p.At)
}

func (p *SessionJoin) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.RiderID, err = f.uuid()
		case 3:
			p.RequestID, err = f.uuid()
		case 4:
			p.DisplayName, err = f.string()
		case 5:
			p.At, err = f.int()
		}
		return err
	})
}

// SessionLeave reports a rider leaving.
type SessionLeave struct {
	SessionID uuid.UUID
	RiderID   uuid.UUID
	At        int64
}

func (*SessionLeave) Tag() Tag { return TagSessionLeave }

func (p *SessionLeave) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUUID(b, 2, p.RiderID)
	return appendInt(b, 3, p.At)
}

func (p *SessionLeave) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.RiderID, err = f.uuid()
		case 3:
			p.At, err = f.int()
		}
		return err
	})
}

// RosterEntry is one participant in a SessionAccept snapshot. LeftAt is zero while active.
type RosterEntry struct {
	RiderID     uuid.UUID
	DisplayName string
	JoinedAt    int64
	LeftAt      int64
}

func (e *RosterEntry) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, e.RiderID)
	b = appendString(b, 2, e.DisplayName)
	b = appendInt(b, 3, e.JoinedAt)
	return appendInt(b, 4, e.LeftAt)
}

func (e *RosterEntry) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			e.RiderID, err = f.uuid()
		case 2:
			e.DisplayName, err = f.string()
		case 3:
			e.JoinedAt, err = f.int()
		case 4:
			e.LeftAt, err = f.int()
		}
		return err
	})
}

// SessionAccept answers a join with the current roster.
type SessionAccept struct {
	SessionID uuid.UUID
	RequestID uuid.UUID
	HostName  string
	WorldID   string
	CreatedAt int64
	Roster    []RosterEntry
}

func (*SessionAccept) Tag() Tag { return TagSessionAccept }

func (p *SessionAccept) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUUID(b, 2, p.RequestID)
	b = appendString(b, 3, p.HostName)
	b = appendString(b, 4, p.WorldID)
	b = appendInt(b, 5, p.CreatedAt)
	for i := range p.Roster {
		b = appendMessage(b, 6, p.Roster[i].appendTo(nil))
	}
	return b
}

func (p *SessionAccept) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.RequestID, err = f.uuid()
		case 3:
			p.HostName, err = f.string()
		case 4:
			p.WorldID, err = f.string()
		case 5:
			p.CreatedAt, err = f.int()
		case 6:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			var e RosterEntry
			if err = e.unmarshal(raw); err == nil {
				p.Roster = append(p.Roster, e)
			}
		}
		return err
	})
}

// SessionReject refuses a join.
type SessionReject struct {
	SessionID uuid.UUID
	RequestID uuid.UUID
	Reason    string
}

func (*SessionReject) Tag() Tag { return TagSessionReject }

func (p *SessionReject) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUUID(b, 2, p.RequestID)
	return appendString(b, 3, p.Reason)
}

func (p *SessionReject) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.RequestID, err = f.uuid()
		case 3:
			p.Reason, err = f.string()
		}
		return err
	})
}

// SessionEnd is sent by the host when it closes the session.
type SessionEnd struct {
	SessionID uuid.UUID
	At        int64
}

func (*SessionEnd) Tag() Tag { return TagSessionEnd }

func (p *SessionEnd) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	return appendInt(b, 2, p.At)
}

func (p *SessionEnd) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.At, err = f.int()
		}
		return err
	})
}

// Heartbeat is multicast periodically by every node. SessionID is Nil outside a session.
type Heartbeat struct {
	SessionID   uuid.UUID
	DisplayName string
}

func (*Heartbeat) Tag() Tag { return TagHeartbeat }

func (p *Heartbeat) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	return appendString(b, 2, p.DisplayName)
}

func (p *Heartbeat) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.DisplayName, err = f.string()
		}
		return err
	})
}

// MetricUpdate carries one ride telemetry sample.
type MetricUpdate struct {
	SessionID uuid.UUID
	Power     uint32
	Cadence   uint32
	HeartRate uint32
	Position  float64
}

func (*MetricUpdate) Tag() Tag { return TagMetricUpdate }

func (p *MetricUpdate) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUint(b, 2, uint64(p.Power))
	b = appendUint(b, 3, uint64(p.Cadence))
	b = appendUint(b, 4, uint64(p.HeartRate))
	return appendDouble(b, 5, p.Position)
}

func (p *MetricUpdate) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.Power, err = f.uint32()
		case 3:
			p.Cadence, err = f.uint32()
		case 4:
			p.HeartRate, err = f.uint32()
		case 5:
			p.Position, err = f.double()
		}
		return err
	})
}

// ChatMessage is a text message with a per-sender sequence number.
type ChatMessage struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	Seq       uint64
	Text      string
}

func (*ChatMessage) Tag() Tag { return TagChatMessage }

func (p *ChatMessage) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.SessionID)
	b = appendUUID(b, 2, p.MessageID)
	b = appendUint(b, 3, p.Seq)
	return appendString(b, 4, p.Text)
}

func (p *ChatMessage) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.SessionID, err = f.uuid()
		case 2:
			p.MessageID, err = f.uuid()
		case 3:
			p.Seq, err = f.uint()
		case 4:
			p.Text, err = f.string()
		}
		return err
	})
}

// ChatAck acknowledges receipt of a chat message.
type ChatAck struct {
	MessageID uuid.UUID
}

func (*ChatAck) Tag() Tag { return TagChatAck }

func (p *ChatAck) appendTo(b []byte) []byte {
	return appendUUID(b, 1, p.MessageID)
}

func (p *ChatAck) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		if f.num == 1 {
			p.MessageID, err = f.uuid()
		}
		return err
	})
}

// RaceAnnounce schedules a race. ScheduledStart is on the organizer's clock.
type RaceAnnounce struct {
	RaceID         uuid.UUID
	SessionID      uuid.UUID
	ScheduledStart int64
	Countdown      int64 // nanoseconds
	CourseLength   float64
}

func (*RaceAnnounce) Tag() Tag { return TagRaceAnnounce }

func (p *RaceAnnounce) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	b = appendUUID(b, 2, p.SessionID)
	b = appendInt(b, 3, p.ScheduledStart)
	b = appendInt(b, 4, p.Countdown)
	return appendDouble(b, 5, p.CourseLength)
}

func (p *RaceAnnounce) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.SessionID, err = f.uuid()
		case 3:
			p.ScheduledStart, err = f.int()
		case 4:
			p.Countdown, err = f.int()
		case 5:
			p.CourseLength, err = f.double()
		}
		return err
	})
}

// RaceJoin registers a rider for a race.
type RaceJoin struct {
	RaceID      uuid.UUID
	RiderID     uuid.UUID
	DisplayName string
}

func (*RaceJoin) Tag() Tag { return TagRaceJoin }

func (p *RaceJoin) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	b = appendUUID(b, 2, p.RiderID)
	return appendString(b, 3, p.DisplayName)
}

func (p *RaceJoin) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.RiderID, err = f.uuid()
		case 3:
			p.DisplayName, err = f.string()
		}
		return err
	})
}

// RaceCountdown is the organizer's once-per-second countdown tick.
type RaceCountdown struct {
	RaceID           uuid.UUID
	SecondsRemaining uint32
}

func (*RaceCountdown) Tag() Tag { return TagRaceCountdown }

func (p *RaceCountdown) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	return appendUint(b, 2, uint64(p.SecondsRemaining))
}

func (p *RaceCountdown) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.SecondsRemaining, err = f.uint32()
		}
		return err
	})
}

// RacePosition reports a racer's progress.
type RacePosition struct {
	RaceID   uuid.UUID
	Distance float64
	Elapsed  int64 // nanoseconds since start
}

func (*RacePosition) Tag() Tag { return TagRacePosition }

func (p *RacePosition) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	b = appendDouble(b, 2, p.Distance)
	return appendInt(b, 3, p.Elapsed)
}

func (p *RacePosition) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.Distance, err = f.double()
		case 3:
			p.Elapsed, err = f.int()
		}
		return err
	})
}

// RaceFinish reports a racer crossing the line. FinishTime is on the organizer's clock.
type RaceFinish struct {
	RaceID     uuid.UUID
	FinishTime int64
}

func (*RaceFinish) Tag() Tag { return TagRaceFinish }

func (p *RaceFinish) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	return appendInt(b, 2, p.FinishTime)
}

func (p *RaceFinish) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.FinishTime, err = f.int()
		}
		return err
	})
}

// RaceEnd closes a race, either finished or cancelled.
type RaceEnd struct {
	RaceID    uuid.UUID
	Cancelled bool
}

func (*RaceEnd) Tag() Tag { return TagRaceEnd }

func (p *RaceEnd) appendTo(b []byte) []byte {
	b = appendUUID(b, 1, p.RaceID)
	return appendBool(b, 2, p.Cancelled)
}

func (p *RaceEnd) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.RaceID, err = f.uuid()
		case 2:
			p.Cancelled, err = f.bool()
		}
		return err
	})
}

// Ping starts a clock offset probe. Timestamp is the prober's send time.
type Ping struct {
	Timestamp int64
}

func (*Ping) Tag() Tag { return TagPing }

func (p *Ping) appendTo(b []byte) []byte {
	return appendInt(b, 1, p.Timestamp)
}

func (p *Ping) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		if f.num == 1 {
			p.Timestamp, err = f.int()
		}
		return err
	})
}

// Pong echoes a Ping timestamp together with the responder's local time.
type Pong struct {
	Echo      int64
	LocalTime int64
}

func (*Pong) Tag() Tag { return TagPong }

func (p *Pong) appendTo(b []byte) []byte {
	b = appendInt(b, 1, p.Echo)
	return appendInt(b, 2, p.LocalTime)
}

func (p *Pong) unmarshal(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.Echo, err = f.int()
		case 2:
			p.LocalTime, err = f.int()
		}
		return err
	})
}
