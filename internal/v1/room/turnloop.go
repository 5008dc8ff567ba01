package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

// scheduleTurn arms the turn timer if the loop is idle. When a turn is in
// flight it leaves a kick instead: the turn's tail may already have decided
// there is no follow-up work, and arming nothing here would strand whatever
// just arrived.
func (r *Room) scheduleTurn(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.loopRunning {
		r.kicked = true
		return
	}
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(delay, r.runTurn)
}

func (r *Room) runTurn() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.loopRunning = true
	r.mu.Unlock()

	ctx := r.ctx
	start := time.Now()
	var wait time.Duration
	var rearm bool
	var turnErr error
	lockErr := r.lock.WithLock(ctx, "turn", r.opts.TurnDuration, func() error {
		wait, rearm, turnErr = r.processTurn(ctx)
		return nil
	})
	metrics.TurnDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loopRunning = false
	kicked := r.kicked
	r.kicked = false
	if r.closed || lockErr != nil {
		return
	}

	if turnErr != nil {
		metrics.TurnsTotal.WithLabelValues("failed").Inc()
		r.backoff = nextBackoff(r.backoff, r.opts.TurnDuration)
		logging.Warn(ctx, "Turn failed, retrying",
			zap.String("roomID", string(r.ID)),
			zap.Duration("backoff", r.backoff),
			zap.Error(turnErr))
		r.timer = time.AfterFunc(r.backoff, r.runTurn)
		return
	}

	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	r.backoff = 0
	if kicked && (!rearm || wait > r.opts.TurnDuration) {
		wait, rearm = r.opts.TurnDuration, true
	}
	if rearm {
		r.timer = time.AfterFunc(wait, r.runTurn)
	}
}

// nextBackoff steps the commit retry delay by 1.5x, capped at one second.
func nextBackoff(cur, base time.Duration) time.Duration {
	if cur <= 0 {
		return base
	}
	next := cur + cur/2
	if next > maxCommitBackoff {
		return maxCommitBackoff
	}
	return next
}

// processTurn runs one tick: select due mutations, apply them in order
// through mutators, handle departures, commit atomically and fan out pokes.
// It reports when (and whether) the next tick should run. A non-nil error
// leaves the buffer intact so the next tick retries.
func (r *Room) processTurn(ctx context.Context) (wait time.Duration, rearm bool, err error) {
	nowMs := toMs(r.clock.Now())
	delayMs := r.sizer.CurrentMs()
	metrics.BufferDelay.WithLabelValues(string(r.ID)).Set(float64(delayMs))

	due := r.buffer.Due(nowMs, delayMs)

	// Departed clients: durably connected but no longer registered.
	var departed []ClientID
	if len(r.disconnectPending) > 0 {
		connected, cerr := connectedClients(ctx, r.store)
		if cerr != nil {
			return 0, true, cerr
		}
		for _, id := range connected {
			if !r.clients.Has(id) {
				departed = append(departed, id)
			}
		}
		if len(departed) == 0 {
			// Everyone pending came back before the turn ran.
			r.disconnectPending = make(map[ClientID]struct{})
		}
	}

	if len(due) == 0 && len(departed) == 0 {
		wait, rearm = r.nextTurnDelay(nowMs)
		return wait, rearm, nil
	}

	version, err := loadVersion(ctx, r.store)
	if err != nil {
		return 0, true, err
	}
	var nextCookie int64
	if version != nil {
		nextCookie = *version + 1
	}

	tx := newTurnTx(ctx, r.store)
	recs := make(map[ClientID]*ClientRecord)
	changed := make(map[ClientID]struct{})
	lmidChanges := make(map[string]uint64)

	for _, m := range due {
		rec, ok := recs[m.ClientID]
		if !ok {
			loaded, lerr := loadClientRecord(ctx, r.store, m.ClientID)
			if lerr != nil {
				return 0, true, lerr
			}
			rec = loaded
			recs[m.ClientID] = rec
		}
		if rec == nil {
			r.evictClient(ctx, m.ClientID, protocol.ErrClientNotFound,
				fmt.Sprintf("no record for client %s", m.ClientID))
			metrics.MutationsTotal.WithLabelValues("unknown_client").Inc()
			continue
		}

		if m.ID <= rec.LastMutationID {
			metrics.MutationsTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		if m.ID > rec.LastMutationID+1 {
			// A gap means the client and server disagree about history; the
			// client must reconnect and re-sync.
			r.evictClient(ctx, m.ClientID, protocol.ErrClientNotFound,
				fmt.Sprintf("mutation id %d skips ahead of lastMutationID %d", m.ID, rec.LastMutationID))
			metrics.MutationsTotal.WithLabelValues("gap").Inc()
			continue
		}

		if fn, found := r.mutators.get(m.Name); !found {
			logging.Warn(ctx, "Unknown mutator",
				zap.String("roomID", string(r.ID)),
				zap.String("clientID", string(m.ClientID)),
				zap.String("mutator", m.Name))
			metrics.MutationsTotal.WithLabelValues("unknown_mutator").Inc()
		} else {
			mtx := newMutatorTx(tx)
			if merr := runMutator(ctx, fn, mtx, m, nextCookie); merr != nil {
				// The mutator's own writes are discarded; the mutation still
				// counts as processed so replays stay idempotent.
				logging.Warn(ctx, "Mutator failed",
					zap.String("roomID", string(r.ID)),
					zap.String("clientID", string(m.ClientID)),
					zap.String("mutator", m.Name),
					zap.Uint64("mutationID", m.ID),
					zap.Error(merr))
				metrics.MutationsTotal.WithLabelValues("failed").Inc()
			} else {
				tx.fold(mtx)
				metrics.MutationsTotal.WithLabelValues("applied").Inc()
			}
		}

		v := nextCookie
		rec.LastMutationID = m.ID
		rec.LastMutationIDVersion = &v
		changed[m.ClientID] = struct{}{}
		lmidChanges[string(m.ClientID)] = m.ID
	}

	for _, id := range departed {
		if r.mutators.disconnect == nil {
			continue
		}
		mtx := newMutatorTx(tx)
		if derr := runDisconnect(ctx, r.mutators.disconnect, mtx, id); derr != nil {
			logging.Warn(ctx, "Disconnect handler failed",
				zap.String("roomID", string(r.ID)),
				zap.String("clientID", string(id)),
				zap.Error(derr))
		} else {
			tx.fold(mtx)
		}
	}

	advance := len(lmidChanges) > 0 || tx.hasWrites()

	batch := &storage.Batch{}
	if advance {
		batch.Put(keyVersion, marshalVersion(nextCookie))
		for id := range changed {
			data, merr := marshalClientRecord(recs[id])
			if merr != nil {
				return 0, true, merr
			}
			batch.Put(clientKey(id), data)
		}
		tx.appendToBatch(batch)
	}
	for _, id := range departed {
		batch.Delete(connectedKey(id))
	}

	if batch.Len() > 0 {
		if aerr := r.store.Apply(ctx, batch); aerr != nil {
			return 0, true, fmt.Errorf("commit turn: %w", aerr)
		}
		if advance && !r.opts.AllowUnconfirmedWrites {
			if ferr := r.store.Flush(ctx); ferr != nil {
				return 0, true, fmt.Errorf("flush turn: %w", ferr)
			}
		}
	}

	// Committed. Everything below must not fail the turn.
	r.buffer.Ack(due)
	for _, id := range departed {
		delete(r.disconnectPending, id)
	}
	for id := range r.disconnectPending {
		if r.clients.Has(id) {
			delete(r.disconnectPending, id)
		}
	}

	adjustAt := r.clock.Now()
	for _, m := range due {
		r.sizer.Record(nowMs-m.ServerReceivedTimestamp, adjustAt)
	}

	if advance {
		r.fanOutPokes(ctx, nextCookie, lmidChanges, tx.patch(), nowMs)
		logging.Info(ctx, "Turn committed",
			zap.String("roomID", string(r.ID)),
			zap.Int64("cookie", nextCookie),
			zap.Int("mutations", len(due)),
			zap.Int("patchOps", len(tx.patch())))
	}

	wait, rearm = r.nextTurnDelay(toMs(r.clock.Now()))
	return wait, rearm, nil
}

// nextTurnDelay reports when the next tick should run: the earliest buffered
// due time clamped to the turn cadence, the plain cadence when only
// disconnect work remains, or nothing when the room is idle.
func (r *Room) nextTurnDelay(nowMs int64) (time.Duration, bool) {
	at, ok := r.buffer.NextDueAt(r.sizer.CurrentMs())
	if !ok {
		if len(r.disconnectPending) > 0 {
			return r.opts.TurnDuration, true
		}
		return 0, false
	}
	wait := time.Duration(at-nowMs) * time.Millisecond
	if wait < r.opts.TurnDuration {
		wait = r.opts.TurnDuration
	}
	return wait, true
}

// fanOutPokes sends each connected client its view of the committed turn.
func (r *Room) fanOutPokes(ctx context.Context, cookie int64, lmidChanges map[string]uint64, patch []protocol.PatchOp, nowMs int64) {
	for _, c := range r.clients.All() {
		body := &protocol.PokeBody{
			BaseCookie:            c.LastCookieSent,
			Cookie:                cookie,
			LastMutationIDChanges: lmidChanges,
			Patch:                 patch,
			Timestamp:             nowMs - c.ClockBehindMs(),
			RequestID:             c.pendingRequestID,
		}
		data, err := protocol.EncodePoke(body)
		if err != nil {
			logging.Error(ctx, "Failed to encode poke",
				zap.String("roomID", string(r.ID)),
				zap.String("clientID", string(c.ClientID)),
				zap.Error(err))
			continue
		}
		c.Conn.Send(data)
		v := cookie
		c.LastCookieSent = &v
		c.pendingRequestID = ""
		metrics.PokesSent.Inc()
	}
}

// evictClient closes a client from inside the turn: error frames always end
// the connection, so the socket closes and the disconnect runs next turn.
func (r *Room) evictClient(ctx context.Context, id ClientID, kind protocol.ErrorKind, detail string) {
	if c := r.clients.Get(id); c != nil {
		r.evictLocked(ctx, c, kind, detail)
	}
}

func runMutator(ctx context.Context, fn MutatorFunc, tx Tx, m *PendingMutation, version int64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("mutator %q panicked: %v", m.Name, p)
		}
	}()
	return fn(ctx, tx, m.Args, &MutatorContext{
		Auth:       m.Auth,
		ClientID:   m.ClientID,
		MutationID: m.ID,
		Timestamp:  m.Timestamp,
		Version:    version,
	})
}

func runDisconnect(ctx context.Context, fn DisconnectFunc, tx Tx, id ClientID) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("disconnect handler panicked: %v", p)
		}
	}()
	return fn(ctx, tx, id)
}
