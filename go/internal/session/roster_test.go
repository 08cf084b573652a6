package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rosterOp struct {
	rider uuid.UUID
	join  bool
	at    time.Time
}

func apply(r *Roster, op rosterOp) {
	if op.join {
		r.Join(op.rider, "rider-"+op.rider.String()[:4], op.at)
		return
	}
	r.Leave(op.rider, op.at)
}

func permutations(ops []rosterOp) [][]rosterOp {
	if len(ops) <= 1 {
		return [][]rosterOp{append([]rosterOp(nil), ops...)}
	}
	var out [][]rosterOp
	for i := range ops {
		rest := make([]rosterOp, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]rosterOp{ops[i]}, p...))
		}
	}
	return out
}

func TestRosterConvergesUnderAnyDeliveryOrder(t *testing.T) {
	base := time.Unix(1700000000, 0)
	host, bob, carol := uuid.New(), uuid.New(), uuid.New()
	ops := []rosterOp{
		{rider: host, join: true, at: base},
		{rider: bob, join: true, at: base.Add(time.Second)},
		{rider: carol, join: true, at: base.Add(2 * time.Second)},
		{rider: bob, join: false, at: base.Add(3 * time.Second)},
		{rider: bob, join: true, at: base.Add(4 * time.Second)},
		{rider: carol, join: false, at: base.Add(5 * time.Second)},
	}

	reference := NewRoster(uuid.Nil)
	for _, op := range ops {
		apply(reference, op)
	}
	want := reference.Participants()
	require.Len(t, want, 4)

	for _, perm := range permutations(ops) {
		r := NewRoster(uuid.Nil)
		for _, op := range perm {
			apply(r, op)
		}
		require.Equal(t, want, r.Participants())
	}
}

func TestRosterRejoinOpensNewEntry(t *testing.T) {
	base := time.Unix(1700000000, 0)
	bob := uuid.New()
	r := NewRoster(uuid.New())

	require.True(t, r.Join(bob, "bob", base))
	require.False(t, r.Join(bob, "bob", base), "duplicate event")
	require.True(t, r.Leave(bob, base.Add(time.Minute)))
	assert.False(t, r.Active(bob))
	require.True(t, r.Join(bob, "bob", base.Add(2*time.Minute)))

	parts := r.Participants()
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].LeftAt)
	assert.True(t, parts[0].LeftAt.Equal(base.Add(time.Minute)))
	assert.Nil(t, parts[1].LeftAt)
	assert.Equal(t, 1, r.ActiveCount())

	// a late leave older than the rejoin does not close the new entry
	r.Leave(bob, base.Add(30*time.Second))
	assert.True(t, r.Active(bob))
	assert.True(t, r.Participants()[0].LeftAt.Equal(base.Add(30*time.Second)))
}

func TestRosterSnapshotMerge(t *testing.T) {
	base := time.Unix(1700000000, 0)
	host, bob := uuid.New(), uuid.New()
	session := uuid.New()

	src := NewRoster(session)
	src.Join(host, "host", base)
	src.Join(bob, "bob", base.Add(time.Second))
	src.Leave(bob, base.Add(2*time.Second))

	dst := NewRoster(session)
	dst.Join(host, "host", base)
	changed := dst.Merge(src.Snapshot(), 0)
	assert.Equal(t, []uuid.UUID{bob}, changed)
	assert.Equal(t, src.Participants(), dst.Participants())

	assert.Empty(t, dst.Merge(src.Snapshot(), 0))
}

func TestRosterMergeShiftsSenderClock(t *testing.T) {
	base := time.Unix(1700000000, 0)
	host, bob := uuid.New(), uuid.New()
	session := uuid.New()

	src := NewRoster(session)
	src.Join(host, "host", base)
	src.Join(bob, "bob", base.Add(time.Second))

	// our clock trails the host's by a minute
	shift := -time.Minute
	dst := NewRoster(session)
	dst.Merge(src.Snapshot(), shift)

	p, ok := dst.Current(bob)
	require.True(t, ok)
	assert.True(t, p.JoinedAt.Equal(base.Add(time.Second+shift)))

	// a local leave stamped on our clock closes the shifted entry
	dst.Leave(bob, base.Add(2*time.Second+shift))
	assert.False(t, dst.Active(bob))

	// the same snapshot with latency jitter adds nothing
	assert.Empty(t, dst.Merge(src.Snapshot(), shift+40*time.Millisecond))
	assert.Len(t, dst.Participants(), 2)
}
