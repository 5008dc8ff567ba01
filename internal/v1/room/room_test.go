package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/reflectd/reflectd/internal/v1/auth"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// pokes decodes the poke frames received so far.
func (c *fakeConn) pokes() []*protocol.PokeBody {
	var out []*protocol.PokeBody
	for _, f := range c.Frames() {
		var parts []json.RawMessage
		if json.Unmarshal(f, &parts) != nil || len(parts) != 2 {
			continue
		}
		var tag string
		if json.Unmarshal(parts[0], &tag) != nil || tag != protocol.TagPoke {
			continue
		}
		var body protocol.PokeBody
		if json.Unmarshal(parts[1], &body) != nil {
			continue
		}
		out = append(out, &body)
	}
	return out
}

// errorKinds decodes the error frames received so far.
func (c *fakeConn) errorKinds() []string {
	var out []string
	for _, f := range c.Frames() {
		var parts []json.RawMessage
		if json.Unmarshal(f, &parts) != nil || len(parts) != 3 {
			continue
		}
		var tag, kind string
		if json.Unmarshal(parts[0], &tag) != nil || tag != protocol.TagError {
			continue
		}
		if json.Unmarshal(parts[1], &kind) == nil {
			out = append(out, kind)
		}
	}
	return out
}

func newTestRoom(t *testing.T, mutators *Mutators, store storage.Store) (*Room, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	r := New(context.Background(), "r1", store, mutators, Options{
		TurnDuration: 5 * time.Millisecond,
		Clock:        clk,
		BufferSizer:  BufferSizerOptions{InitialMs: 50, MaxMs: 500},
	})
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})
	return r, clk
}

func connectClient(t *testing.T, r *Room, clk *fakeClock, clientID ClientID, userID string, baseCookie *int64, lmid uint64) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params: &ConnectParams{
			RoomID:         r.ID,
			ClientID:       clientID,
			BaseCookie:     baseCookie,
			Timestamp:      toMs(clk.Now()),
			LastMutationID: lmid,
			WSID:           "ws-" + string(clientID),
		},
		UserData: &auth.UserData{UserID: userID},
		Conn:     conn,
	})
	require.NoError(t, err)
	return conn
}

func pushFrame(t *testing.T, ts int64, requestID string, mutations ...protocol.Mutation) []byte {
	t.Helper()
	data, err := json.Marshal([]any{protocol.TagPush, protocol.PushBody{
		Mutations: mutations,
		Timestamp: ts,
		RequestID: requestID,
	}})
	require.NoError(t, err)
	return data
}

func seedClientRecord(t *testing.T, store storage.Store, id ClientID, rec *ClientRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), clientKey(id), data))
}

func int64p(v int64) *int64 { return &v }

func TestConnect_Cold(t *testing.T) {
	store := storage.NewMemoryStore()
	r, clk := newTestRoom(t, NewMutators(), store)

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0]), `"connected"`)

	rec, err := loadClientRecord(context.Background(), store, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.BaseCookie)
	assert.Equal(t, uint64(0), rec.LastMutationID)
	assert.Equal(t, "u1", rec.UserID)

	_, err = store.Get(context.Background(), connectedKey("c1"))
	assert.NoError(t, err)
}

func TestConnect_RejectsBaseCookieWithoutVersion(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())

	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params: &ConnectParams{
			RoomID: "r1", ClientID: "c1", BaseCookie: int64p(3),
			Timestamp: toMs(clk.Now()),
		},
		UserData: &auth.UserData{UserID: "u1"},
		Conn:     conn,
	})

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, protocol.ErrUnexpectedBaseCookie, cerr.Kind)
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"UnexpectedBaseCookie"}, conn.errorKinds())
}

func TestConnect_RejectsBaseCookieAheadOfVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), keyVersion, json.RawMessage(`2`)))
	r, clk := newTestRoom(t, NewMutators(), store)

	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params: &ConnectParams{
			RoomID: "r1", ClientID: "c1", BaseCookie: int64p(5),
			Timestamp: toMs(clk.Now()),
		},
		UserData: &auth.UserData{UserID: "u1"},
		Conn:     conn,
	})

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, protocol.ErrUnexpectedBaseCookie, cerr.Kind)

	// A cookie at or below the version is fine.
	connectClient(t, r, clk, "c2", "u2", int64p(2), 0)
}

func newSchemaRoom(t *testing.T, store storage.Store, schemaVersion string) (*Room, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	r := New(context.Background(), "r1", store, NewMutators(), Options{
		TurnDuration:  5 * time.Millisecond,
		SchemaVersion: schemaVersion,
		Clock:         clk,
		BufferSizer:   BufferSizerOptions{InitialMs: 50, MaxMs: 500},
	})
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})
	return r, clk
}

func TestConnect_StampsSchemaVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	r, clk := newSchemaRoom(t, store, "v2")

	connectClient(t, r, clk, "c1", "u1", nil, 0)

	stored, err := loadSchemaVersion(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "v2", stored)
}

func TestConnect_RejectsSchemaMismatch(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), keySchemaVersion, json.RawMessage(`"v1"`)))
	r, clk := newSchemaRoom(t, store, "v2")

	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params: &ConnectParams{
			RoomID: "r1", ClientID: "c1",
			Timestamp: toMs(clk.Now()),
		},
		UserData: &auth.UserData{UserID: "u1"},
		Conn:     conn,
	})

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, protocol.ErrInvalidMessage, cerr.Kind)
	assert.True(t, conn.Closed())
}

func TestConnect_RejectsLMIDAhead(t *testing.T) {
	store := storage.NewMemoryStore()
	seedClientRecord(t, store, "c1", &ClientRecord{LastMutationID: 7, UserID: "u1"})
	r, clk := newTestRoom(t, NewMutators(), store)

	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params: &ConnectParams{
			RoomID: "r1", ClientID: "c1",
			Timestamp: toMs(clk.Now()), LastMutationID: 100,
		},
		UserData: &auth.UserData{UserID: "u1"},
		Conn:     conn,
	})

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, protocol.ErrUnexpectedLMID, cerr.Kind)
	assert.True(t, conn.Closed())

	// The stored record is untouched.
	rec, rerr := loadClientRecord(context.Background(), store, "c1")
	require.NoError(t, rerr)
	assert.Equal(t, uint64(7), rec.LastMutationID)
}

func TestConnect_ReplacesExistingConnection(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())

	first := connectClient(t, r, clk, "c1", "u1", nil, 0)
	second := connectClient(t, r, clk, "c1", "u1", nil, 0)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, 1, r.ClientCount())
}

func incMutator() MutatorFunc {
	return func(_ context.Context, tx Tx, args json.RawMessage, _ *MutatorContext) error {
		var a struct {
			K string `json:"k"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return tx.Put(a.K, json.RawMessage(`1`))
	}
}

func TestPush_AppliesMutationAndPokes(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "req-1",
		protocol.Mutation{ID: 1, Name: "inc", Args: json.RawMessage(`{"k":"x"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(conn.pokes()) > 0 }, 2*time.Second, 5*time.Millisecond)

	poke := conn.pokes()[0]
	assert.Nil(t, poke.BaseCookie)
	assert.Equal(t, int64(0), poke.Cookie)
	assert.Equal(t, map[string]uint64{"c1": 1}, poke.LastMutationIDChanges)
	require.Len(t, poke.Patch, 1)
	assert.Equal(t, protocol.OpPut, poke.Patch[0].Op)
	assert.Equal(t, "x", poke.Patch[0].Key)
	assert.Equal(t, "req-1", poke.RequestID)

	version, err := loadVersion(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, int64(0), *version)

	v, err := store.Get(ctx, prefixUser+"x")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1`), v)

	rec, err := loadClientRecord(ctx, store, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LastMutationID)
	require.NotNil(t, rec.LastMutationIDVersion)
	assert.Equal(t, int64(0), *rec.LastMutationIDVersion)
}

func TestPush_ConsecutivePokesChainCookies(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 1, Name: "inc", Args: json.RawMessage(`{"k":"a"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(conn.pokes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 2, Name: "inc", Args: json.RawMessage(`{"k":"b"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(conn.pokes()) == 2 }, 2*time.Second, 5*time.Millisecond)

	pokes := conn.pokes()
	require.NotNil(t, pokes[1].BaseCookie)
	assert.Equal(t, pokes[0].Cookie, *pokes[1].BaseCookie)
	assert.Equal(t, pokes[0].Cookie+1, pokes[1].Cookie)
}

func TestPush_DuplicateIsSilent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedClientRecord(t, store, "c1", &ClientRecord{LastMutationID: 5, UserID: "u1"})
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 5)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 5, Name: "inc", Args: json.RawMessage(`{"k":"x"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, conn.pokes())
	version, err := loadVersion(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, version)
}

func TestPush_GapRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 3, Name: "inc", Args: json.RawMessage(`{"k":"x"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)

	require.Eventually(t, func() bool {
		return len(conn.errorKinds()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ClientNotFound"}, conn.errorKinds())

	// Error frames end the connection: the socket closes, the registry entry
	// goes, and the following turn sweeps the durable connected marker.
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, r.ClientCount())
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, connectedKey("c1"))
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	version, err := loadVersion(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, version)

	rec, err := loadClientRecord(ctx, store, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.LastMutationID)
}

func TestPush_FailedMutatorStillAdvancesLMID(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().Register("boom", func(_ context.Context, tx Tx, _ json.RawMessage, _ *MutatorContext) error {
		if err := tx.Put("partial", json.RawMessage(`1`)); err != nil {
			return err
		}
		return errors.New("mutator exploded")
	})
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 1, Name: "boom", Args: json.RawMessage(`{}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(conn.pokes()) > 0 }, 2*time.Second, 5*time.Millisecond)

	// The LMID advanced but the rolled-back write is absent.
	poke := conn.pokes()[0]
	assert.Equal(t, map[string]uint64{"c1": 1}, poke.LastMutationIDChanges)
	assert.Empty(t, poke.Patch)

	_, err := store.Get(ctx, prefixUser+"partial")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPush_DuringRunningTurnIsNotLost(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	// A push that lands while a turn is mid-flight must not arm the timer
	// itself; it leaves a kick for the running turn's tail instead.
	r.mu.Lock()
	r.loopRunning = true
	r.mu.Unlock()

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 1, Name: "inc", Args: json.RawMessage(`{"k":"x"}`), Timestamp: toMs(clk.Now())}))

	r.mu.Lock()
	assert.Nil(t, r.timer)
	assert.True(t, r.kicked)
	r.loopRunning = false
	r.mu.Unlock()

	// Once the in-flight turn completes, the buffered mutation drains.
	clk.Advance(time.Second)
	r.runTurn()
	require.Eventually(t, func() bool { return len(conn.pokes()) > 0 }, 2*time.Second, 5*time.Millisecond)

	version, err := loadVersion(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, int64(0), *version)
}

func TestRunTurn_TailConsumesKick(t *testing.T) {
	clk := newFakeClock()
	r := New(context.Background(), "r1", storage.NewMemoryStore(), NewMutators(), Options{
		TurnDuration: time.Second,
		Clock:        clk,
	})
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})

	// Even a turn whose tail saw no follow-up work must rearm when a push
	// raced it.
	r.mu.Lock()
	r.kicked = true
	r.mu.Unlock()

	r.runTurn()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotNil(t, r.timer)
	assert.False(t, r.kicked)
}

func TestNextTurnDelay(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	nowMs := toMs(clk.Now())

	_, rearm := r.nextTurnDelay(nowMs)
	assert.False(t, rearm, "idle room must not rearm")

	// Not-yet-due mutations wait out the hold-back delay instead of ticking
	// through it.
	r.buffer.Add(&PendingMutation{ClientID: "c1", ID: 1, ServerReceivedTimestamp: nowMs})
	wait, rearm := r.nextTurnDelay(nowMs)
	assert.True(t, rearm)
	assert.Equal(t, 50*time.Millisecond, wait)

	// Never below the turn cadence.
	wait, rearm = r.nextTurnDelay(nowMs + 200)
	assert.True(t, rearm)
	assert.Equal(t, r.opts.TurnDuration, wait)

	r.buffer = newMutationBuffer()
	r.disconnectPending["c2"] = struct{}{}
	wait, rearm = r.nextTurnDelay(nowMs)
	assert.True(t, rearm)
	assert.Equal(t, r.opts.TurnDuration, wait)
}

func TestDisconnect_RunsHandlerInTurn(t *testing.T) {
	store := storage.NewMemoryStore()
	mut := NewMutators().
		Register("join", func(_ context.Context, tx Tx, _ json.RawMessage, mctx *MutatorContext) error {
			return tx.Put("presence/"+string(mctx.ClientID), json.RawMessage(`true`))
		}).
		OnDisconnect(func(_ context.Context, tx Tx, id ClientID) error {
			return tx.Del("presence/" + string(id))
		})
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn1 := connectClient(t, r, clk, "c1", "u1", nil, 0)
	conn2 := connectClient(t, r, clk, "c2", "u2", nil, 0)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 1, Name: "join", Args: json.RawMessage(`{}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(conn2.pokes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.HandleClose(ctx, "c1", nil)
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(conn2.pokes()) == 2 }, 2*time.Second, 5*time.Millisecond)
	poke := conn2.pokes()[1]
	require.Len(t, poke.Patch, 1)
	assert.Equal(t, protocol.OpDel, poke.Patch[0].Op)
	assert.Equal(t, "presence/c1", poke.Patch[0].Key)

	_, err := store.Get(ctx, connectedKey("c1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, conn1.Closed())
}

func TestInvalidateUser_ClosesOnlyThatUser(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())

	conn1 := connectClient(t, r, clk, "c1", "u1", nil, 0)
	conn2 := connectClient(t, r, clk, "c2", "u2", nil, 0)

	n, err := r.InvalidateUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, conn1.Closed())
	assert.Equal(t, []string{"AuthInvalidated"}, conn1.errorKinds())
	assert.False(t, conn2.Closed())
	assert.Equal(t, 1, r.ClientCount())
}

func TestInvalidateAll_ClosesEveryone(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())

	conn1 := connectClient(t, r, clk, "c1", "u1", nil, 0)
	conn2 := connectClient(t, r, clk, "c2", "u2", nil, 0)

	n, err := r.InvalidateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, conn1.Closed())
	assert.True(t, conn2.Closed())
	assert.Equal(t, 0, r.ClientCount())
}

func TestShutdown_ClosesClientsWithRoomClosed(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"RoomClosed"}, conn.errorKinds())

	// Shutdown is idempotent.
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestConnect_AfterShutdownIsRejected(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	require.NoError(t, r.Shutdown(context.Background()))

	conn := &fakeConn{}
	err := r.Connect(context.Background(), &ConnectRequest{
		Params:   &ConnectParams{RoomID: "r1", ClientID: "c1", Timestamp: toMs(clk.Now())},
		UserData: &auth.UserData{UserID: "u1"},
		Conn:     conn,
	})
	require.Error(t, err)
	assert.True(t, conn.Closed())
}

type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStore) Apply(ctx context.Context, batch *storage.Batch) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("transient storage error")
	}
	s.mu.Unlock()
	return s.Store.Apply(ctx, batch)
}

func TestTurn_RetriesAfterCommitFailure(t *testing.T) {
	inner := storage.NewMemoryStore()
	store := &flakyStore{Store: inner}
	mut := NewMutators().Register("inc", incMutator())
	r, clk := newTestRoom(t, mut, store)
	ctx := context.Background()

	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)
	store.fail(2)

	r.HandleMessage(ctx, "c1", pushFrame(t, toMs(clk.Now()), "",
		protocol.Mutation{ID: 1, Name: "inc", Args: json.RawMessage(`{"k":"x"}`), Timestamp: toMs(clk.Now())}))
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(conn.pokes()) == 1 }, 5*time.Second, 5*time.Millisecond)

	version, err := loadVersion(ctx, inner)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, int64(0), *version)
}

func TestAuthConnections_Snapshot(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	connectClient(t, r, clk, "c1", "u1", nil, 0)
	connectClient(t, r, clk, "c2", "u2", nil, 0)

	infos := r.AuthConnections()
	assert.ElementsMatch(t, []ConnectionInfo{
		{ClientID: "c1", UserID: "u1"},
		{ClientID: "c2", UserID: "u2"},
	}, infos)
}

func TestHandleMessage_PingPong(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(context.Background(), "c1", []byte(`["ping",{}]`))

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `["pong",{}]`, string(frames[1]))
}

func TestHandleMessage_InvalidFrameCloses(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(context.Background(), "c1", []byte(`{"not":"an array"}`))

	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"InvalidMessage"}, conn.errorKinds())
}

func TestHandleMessage_EmptyPushIsNoop(t *testing.T) {
	r, clk := newTestRoom(t, NewMutators(), storage.NewMemoryStore())
	conn := connectClient(t, r, clk, "c1", "u1", nil, 0)

	r.HandleMessage(context.Background(), "c1", pushFrame(t, toMs(clk.Now()), ""))
	time.Sleep(50 * time.Millisecond)

	assert.False(t, conn.Closed())
	assert.Empty(t, conn.pokes())
}

func TestParseConnectQuery(t *testing.T) {
	valid := url.Values{
		"roomID":   {"r1"},
		"clientID": {"c1"},
		"ts":       {"42"},
		"lmid":     {"0"},
		"wsid":     {"ws1"},
	}

	p, cerr := ParseConnectQuery(valid)
	require.Nil(t, cerr)
	assert.Equal(t, RoomID("r1"), p.RoomID)
	assert.Equal(t, ClientID("c1"), p.ClientID)
	assert.Nil(t, p.BaseCookie)
	assert.Equal(t, int64(42), p.Timestamp)
	assert.Equal(t, "ws1", p.WSID)

	withCookie := url.Values{}
	for k, v := range valid {
		withCookie[k] = v
	}
	withCookie.Set("baseCookie", "7")
	p, cerr = ParseConnectQuery(withCookie)
	require.Nil(t, cerr)
	require.NotNil(t, p.BaseCookie)
	assert.Equal(t, int64(7), *p.BaseCookie)

	cases := []struct {
		name  string
		mut   func(url.Values)
	}{
		{"missing roomID", func(q url.Values) { q.Del("roomID") }},
		{"missing clientID", func(q url.Values) { q.Del("clientID") }},
		{"missing ts", func(q url.Values) { q.Del("ts") }},
		{"missing lmid", func(q url.Values) { q.Del("lmid") }},
		{"bad baseCookie", func(q url.Values) { q.Set("baseCookie", "abc") }},
		{"bad lmid", func(q url.Values) { q.Set("lmid", "-1") }},
		{"bad ts", func(q url.Values) { q.Set("ts", "later") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := url.Values{}
			for k, v := range valid {
				q[k] = v
			}
			tc.mut(q)
			_, cerr := ParseConnectQuery(q)
			require.NotNil(t, cerr)
			assert.Equal(t, protocol.ErrInvalidMessage, cerr.Kind)
		})
	}
}
