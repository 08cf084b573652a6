package transport

import "sync/atomic"

type counters struct {
	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	received     atomic.Uint64
	dropped      atomic.Uint64
	stale        atomic.Uint64
	decodeErrors atomic.Uint64
	rateLimited  atomic.Uint64
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	SendErrors   uint64 `json:"send_errors"`
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	Stale        uint64 `json:"stale"`
	DecodeErrors uint64 `json:"decode_errors"`
	RateLimited  uint64 `json:"rate_limited"`
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:         t.stats.sent.Load(),
		SendErrors:   t.stats.sendErrors.Load(),
		Received:     t.stats.received.Load(),
		Dropped:      t.stats.dropped.Load(),
		Stale:        t.stats.stale.Load(),
		DecodeErrors: t.stats.decodeErrors.Load(),
		RateLimited:  t.stats.rateLimited.Load(),
	}
}
