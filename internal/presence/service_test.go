package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/presence-fabric/internal/metrics"
	"github.com/dukepan/presence-fabric/internal/store"
	"github.com/dukepan/presence-fabric/internal/utils"
)

const testTTLMs = 30000

func newTestService(t *testing.T) (*Service, *store.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := store.NewWithClient(client)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(st, utils.NewLogger("error"), m, testTTLMs)
	return svc, st, mr
}

// subscribeEvents opens a pattern subscription on the event channels and
// returns the delivery channel once the subscription is confirmed.
func subscribeEvents(t *testing.T, st *store.Client) <-chan *redis.Message {
	t.Helper()

	ctx := context.Background()
	pubsub := st.PSubscribe(ctx, EventsPattern)
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { pubsub.Close() })
	return pubsub.Channel()
}

func nextEvent(t *testing.T, ch <-chan *redis.Message) Event {
	t.Helper()

	select {
	case msg := <-ch:
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan *redis.Message) {
	t.Helper()

	select {
	case msg := <-ch:
		t.Fatalf("unexpected presence event: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinReturnsSnapshotIncludingSelf(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	events := subscribeEvents(t, st)

	snapshot, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"online"`)})
	require.NoError(t, err)
	assert.Positive(t, epoch)

	require.Len(t, snapshot, 1)
	assert.Equal(t, "c1", snapshot[0].ConnID)
	assert.Equal(t, "alice", snapshot[0].UserID)
	assert.Equal(t, epoch, snapshot[0].Epoch)
	assert.Positive(t, snapshot[0].LastSeenMs)
	assert.True(t, Equal(State{"status": raw(`"online"`)}, snapshot[0].State))

	ev := nextEvent(t, events)
	assert.Equal(t, EventJoin, ev.Type)
	assert.Equal(t, "lobby", ev.RoomID)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "c1", ev.ConnID)
	assert.Equal(t, epoch, ev.Epoch)
}

func TestTwoUsersSeeEachOther(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)
	snapshot, _, err := svc.Join(ctx, "lobby", "bob", "c2", nil)
	require.NoError(t, err)

	require.Len(t, snapshot, 2)
	users := map[string]bool{}
	for _, entry := range snapshot {
		users[entry.UserID] = true
	}
	assert.True(t, users["alice"])
	assert.True(t, users["bob"])

	members, err := svc.store.SetMembers(ctx, roomMembersKey("lobby"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	rooms, err := svc.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, rooms)
}

func TestRejoinSameRoomIncreasesEpochAndReplacesState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, epoch1, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"online"`), "device": raw(`"mobile"`)})
	require.NoError(t, err)

	snapshot, epoch2, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"back"`)})
	require.NoError(t, err)
	assert.Greater(t, epoch2, epoch1)

	// Rejoin replaces the state wholesale, no merge with the previous one.
	require.Len(t, snapshot, 1)
	assert.True(t, Equal(State{"status": raw(`"back"`)}, snapshot[0].State))
}

func TestJoinMovesConnectionBetweenRooms(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "red", "alice", "c1", nil)
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	_, _, err = svc.Join(ctx, "blue", "alice", "c1", nil)
	require.NoError(t, err)

	leave := nextEvent(t, events)
	assert.Equal(t, EventLeave, leave.Type)
	assert.Equal(t, "red", leave.RoomID)
	assert.Equal(t, "c1", leave.ConnID)

	join := nextEvent(t, events)
	assert.Equal(t, EventJoin, join.Type)
	assert.Equal(t, "blue", join.RoomID)

	redSnapshot, err := svc.Snapshot(ctx, "red")
	require.NoError(t, err)
	assert.Empty(t, redSnapshot)

	rooms, err := svc.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"blue"}, rooms)
}

func TestHeartbeatAppliesPatchOnce(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"online"`)})
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	result, err := svc.Heartbeat(ctx, "c1", State{"typing": raw(`true`)}, epoch)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, epoch, result.Epoch)

	ev := nextEvent(t, events)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.True(t, Equal(State{"status": raw(`"online"`), "typing": raw(`true`)}, ev.State))

	// The same patch again changes nothing and publishes nothing.
	result, err = svc.Heartbeat(ctx, "c1", State{"typing": raw(`true`)}, epoch)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assertNoEvent(t, events)

	snapshot, err := svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.True(t, Equal(State{"status": raw(`"online"`), "typing": raw(`true`)}, snapshot[0].State))
}

func TestHeartbeatWithOldEpochIsFenced(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, oldEpoch, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"online"`)})
	require.NoError(t, err)
	_, newEpoch, err := svc.Join(ctx, "lobby", "alice", "c1", State{"status": raw(`"rejoined"`)})
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	result, err := svc.Heartbeat(ctx, "c1", State{"status": raw(`"stale write"`)}, oldEpoch)
	require.NoError(t, err)

	assert.False(t, result.Changed)
	assert.Equal(t, newEpoch, result.Epoch)
	assertNoEvent(t, events)

	snapshot, err := svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.True(t, Equal(State{"status": raw(`"rejoined"`)}, snapshot[0].State))
}

func TestHeartbeatWithoutEpochBypassesFence(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	result, err := svc.Heartbeat(ctx, "c1", State{"status": raw(`"here"`)}, -1)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, epoch, result.Epoch)
}

func TestHeartbeatUnknownConnection(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Heartbeat(context.Background(), "ghost", nil, 1)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestLeaveIsIdempotent(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	dep, err := svc.Leave(ctx, "c1", ReasonExplicit)
	require.NoError(t, err)
	require.NotNil(t, dep)
	assert.Equal(t, "lobby", dep.RoomID)
	assert.Equal(t, "alice", dep.UserID)

	ev := nextEvent(t, events)
	assert.Equal(t, EventLeave, ev.Type)
	assert.Equal(t, epoch, ev.Epoch)

	// Second leave: no record, no event.
	dep, err = svc.Leave(ctx, "c1", ReasonExplicit)
	require.NoError(t, err)
	assert.Nil(t, dep)
	assertNoEvent(t, events)
}

func TestLeaveOfLastConnectionEmptiesRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)
	_, err = svc.Leave(ctx, "c1", ReasonExplicit)
	require.NoError(t, err)

	members, err := svc.store.SetMembers(ctx, roomMembersKey("lobby"))
	require.NoError(t, err)
	assert.Empty(t, members)

	rooms, err := svc.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestUserStaysMemberWhileAnyConnectionRemains(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, "lobby", "alice", "c2", nil)
	require.NoError(t, err)

	_, err = svc.Leave(ctx, "c1", ReasonExplicit)
	require.NoError(t, err)

	members, err := svc.store.SetMembers(ctx, roomMembersKey("lobby"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	_, err = svc.Leave(ctx, "c2", ReasonExplicit)
	require.NoError(t, err)

	members, err = svc.store.SetMembers(ctx, roomMembersKey("lobby"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestReapRemovesStaleConnection(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	staleBefore := time.Now().UnixMilli() + testTTLMs

	reaped, err := svc.Reap(ctx, "lobby", "c1", staleBefore)
	require.NoError(t, err)
	assert.True(t, reaped)

	ev := nextEvent(t, events)
	assert.Equal(t, EventLeave, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "c1", ev.ConnID)
	assert.Equal(t, epoch, ev.Epoch)

	rooms, err := svc.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestReapSkipsFreshConnection(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	staleBefore := time.Now().UnixMilli() - testTTLMs

	reaped, err := svc.Reap(ctx, "lobby", "c1", staleBefore)
	require.NoError(t, err)
	assert.False(t, reaped)
	assertNoEvent(t, events)

	snapshot, err := svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)
}

func TestReapWorksAfterConnHashExpired(t *testing.T) {
	svc, st, mr := newTestService(t)
	ctx := context.Background()

	_, epoch, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	// Simulate the conn hash TTL firing before the reaper gets there.
	mr.Del(connKey("c1"))

	events := subscribeEvents(t, st)
	reaped, err := svc.Reap(ctx, "lobby", "c1", time.Now().UnixMilli()+testTTLMs)
	require.NoError(t, err)
	assert.True(t, reaped)

	// The leave event is reconstructed from the conn_meta sidecar.
	ev := nextEvent(t, events)
	assert.Equal(t, EventLeave, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, epoch, ev.Epoch)

	members, err := svc.store.SetMembers(ctx, roomMembersKey("lobby"))
	require.NoError(t, err)
	assert.Empty(t, members)

	rooms, err := svc.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestConcurrentReapPublishesOneLeave(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	events := subscribeEvents(t, st)
	staleBefore := time.Now().UnixMilli() + testTTLMs

	first, err := svc.Reap(ctx, "lobby", "c1", staleBefore)
	require.NoError(t, err)
	second, err := svc.Reap(ctx, "lobby", "c1", staleBefore)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	ev := nextEvent(t, events)
	assert.Equal(t, EventLeave, ev.Type)
	assertNoEvent(t, events)
}

func TestStaleConnectionsBoundaryIsStrict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)

	snapshot, err := svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	lastSeen := snapshot[0].LastSeenMs

	// A connection whose score equals the cutoff is not stale yet.
	stale, err := svc.StaleConnections(ctx, "lobby", lastSeen)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = svc.StaleConnections(ctx, "lobby", lastSeen+1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, stale)
}

func TestSnapshotSkipsExpiredConnHashes(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Join(ctx, "lobby", "alice", "c1", nil)
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, "lobby", "bob", "c2", nil)
	require.NoError(t, err)

	mr.Del(connKey("c1"))

	snapshot, err := svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "bob", snapshot[0].UserID)
}
