package wire

import "fmt"

// Tag discriminates the payload carried by a datagram. The set is closed: a tag
// outside it is a decode error.
type Tag uint8

const (
	TagSessionAnnounce Tag = iota + 1
	TagSessionJoin
	TagSessionLeave
	TagSessionAccept
	TagSessionReject
	TagSessionEnd
	TagHeartbeat
	TagMetricUpdate
	TagChatMessage
	TagChatAck
	TagRaceAnnounce
	TagRaceJoin
	TagRaceCountdown
	TagRacePosition
	TagRaceFinish
	TagRaceEnd
	TagPing
	TagPong

	tagEnd
)

var tagNames = [...]string{
	TagSessionAnnounce: "SessionAnnounce",
	TagSessionJoin:     "SessionJoin",
	TagSessionLeave:    "SessionLeave",
	TagSessionAccept:   "SessionAccept",
	TagSessionReject:   "SessionReject",
	TagSessionEnd:      "SessionEnd",
	TagHeartbeat:       "Heartbeat",
	TagMetricUpdate:    "MetricUpdate",
	TagChatMessage:     "ChatMessage",
	TagChatAck:         "ChatAck",
	TagRaceAnnounce:    "RaceAnnounce",
	TagRaceJoin:        "RaceJoin",
	TagRaceCountdown:   "RaceCountdown",
	TagRacePosition:    "RacePosition",
	TagRaceFinish:      "RaceFinish",
	TagRaceEnd:         "RaceEnd",
	TagPing:            "Ping",
	TagPong:            "Pong",
}

// Valid reports whether t belongs to the known set.
func (t Tag) Valid() bool {
	return t > 0 && t < tagEnd
}

func (t Tag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
	return tagNames[t]
}

// LatestValueWins marks idempotent kinds where a reordered older packet can be dropped.
func (t Tag) LatestValueWins() bool {
	switch t {
	case TagMetricUpdate, TagRacePosition, TagRaceCountdown, TagHeartbeat:
		return true
	}
	return false
}

// SessionTags are handled by the session manager.
var SessionTags = []Tag{
	TagSessionAnnounce, TagSessionJoin, TagSessionLeave, TagSessionAccept,
	TagSessionReject, TagSessionEnd, TagHeartbeat, TagMetricUpdate,
}

// ChatTags are handled by the chat layer.
var ChatTags = []Tag{TagChatMessage, TagChatAck}

// RaceTags are handled by the race coordinator.
var RaceTags = []Tag{
	TagRaceAnnounce, TagRaceJoin, TagRaceCountdown, TagRacePosition, TagRaceFinish, TagRaceEnd,
}

// ClockTags are handled by the clock offset estimator.
var ClockTags = []Tag{TagPing, TagPong}
