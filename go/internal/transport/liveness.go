package transport

import (
	"context"
	"time"

	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

func (t *Transport) heartbeatLoop(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.sendHeartbeat(ctx)
			t.sweep()
		}
	}
}

func (t *Transport) sendHeartbeat(ctx context.Context) {
	t.mu.Lock()
	hb := &wire.Heartbeat{SessionID: t.sessionID, DisplayName: t.self.DisplayName}
	t.mu.Unlock()

	if err := t.Multicast(ctx, hb); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("heartbeat send failed")
	}
}

// sweep marks peers Down once they have been silent for MissThreshold intervals.
func (t *Transport) sweep() {
	now := t.clock.Now()
	limit := t.cfg.HeartbeatInterval * time.Duration(t.cfg.MissThreshold)

	var down []LivenessEvent
	t.mu.Lock()
	for id, p := range t.peers {
		if !p.up || now.Sub(p.lastSeen) < limit {
			continue
		}
		p.up = false
		down = append(down, LivenessEvent{Rider: id, Up: false, LastSeen: p.lastSeen, Addr: p.addr})
	}
	t.mu.Unlock()

	for _, ev := range down {
		log.Warn().
			Str("rider_id", ev.Rider.String()).
			Time("last_seen", ev.LastSeen).
			Msg("peer unreachable")
		t.publishLiveness(ev)
	}
}
