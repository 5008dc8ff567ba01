package room

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/auth"
	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/storage"
	"github.com/reflectd/reflectd/internal/v1/turnlock"
)

// ConnectError carries the error frame kind a failed connect must surface.
type ConnectError struct {
	Kind   protocol.ErrorKind
	Detail string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect rejected: %s: %s", e.Kind, e.Detail)
}

func connectErrorf(kind protocol.ErrorKind, format string, args ...any) *ConnectError {
	return &ConnectError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ConnectParams are the parsed connect query parameters.
type ConnectParams struct {
	RoomID         RoomID
	ClientID       ClientID
	BaseCookie     *int64
	Timestamp      int64
	LastMutationID uint64
	WSID           string
}

// ParseConnectQuery validates the /connect query string. An empty baseCookie
// means null.
func ParseConnectQuery(q url.Values) (*ConnectParams, *ConnectError) {
	p := &ConnectParams{
		RoomID:   RoomID(q.Get("roomID")),
		ClientID: ClientID(q.Get("clientID")),
		WSID:     q.Get("wsid"),
	}
	if p.RoomID == "" {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "roomID parameter is required")
	}
	if p.ClientID == "" {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "clientID parameter is required")
	}

	if raw := q.Get("baseCookie"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, connectErrorf(protocol.ErrInvalidMessage, "baseCookie must be an integer, got %q", raw)
		}
		p.BaseCookie = &v
	}

	ts := q.Get("ts")
	if ts == "" {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "ts parameter is required")
	}
	v, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "ts must be an integer, got %q", ts)
	}
	p.Timestamp = v

	lmid := q.Get("lmid")
	if lmid == "" {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "lmid parameter is required")
	}
	l, err := strconv.ParseUint(lmid, 10, 64)
	if err != nil {
		return nil, connectErrorf(protocol.ErrInvalidMessage, "lmid must be a non-negative integer, got %q", lmid)
	}
	p.LastMutationID = l

	return p, nil
}

// ConnectRequest is an admitted-for-processing connection.
type ConnectRequest struct {
	Params   *ConnectParams
	UserData *auth.UserData
	Conn     Conn
}

// Connect runs the admission sequence for a new connection. On rejection the
// error frame is sent and the socket closed before returning.
func (r *Room) Connect(ctx context.Context, req *ConnectRequest) error {
	err := r.lock.WithLock(ctx, "connect", r.opts.TurnDuration, func() error {
		return r.connectLocked(ctx, req)
	})
	if err != nil {
		kind := protocol.ErrInternalError
		detail := "connection failed"
		if cerr, ok := err.(*ConnectError); ok {
			kind = cerr.Kind
			detail = cerr.Detail
		} else if errors.Is(err, turnlock.ErrClosed) {
			kind = protocol.ErrRoomClosed
			detail = fmt.Sprintf("room %s is closed", r.ID)
		}
		req.Conn.Send(protocol.MustEncodeError(kind, detail))
		req.Conn.Close()
		metrics.WebsocketEvents.WithLabelValues("connect", "rejected").Inc()
		logging.Warn(ctx, "Connection rejected",
			zap.String("roomID", string(r.ID)),
			zap.String("clientID", string(req.Params.ClientID)),
			zap.Error(err))
		return err
	}

	metrics.WebsocketEvents.WithLabelValues("connect", "ok").Inc()
	return nil
}

func (r *Room) connectLocked(ctx context.Context, req *ConnectRequest) error {
	if r.isClosed() {
		return connectErrorf(protocol.ErrRoomClosed, "room %s is closed", r.ID)
	}

	p := req.Params

	// The first connection stamps the room's schema version; later
	// connections against a different schema are turned away.
	var stampSchema bool
	if r.opts.SchemaVersion != "" {
		stored, serr := loadSchemaVersion(ctx, r.store)
		if serr != nil {
			return serr
		}
		switch stored {
		case "":
			stampSchema = true
		case r.opts.SchemaVersion:
		default:
			return connectErrorf(protocol.ErrInvalidMessage,
				"room schemaVersion %q does not match %q", stored, r.opts.SchemaVersion)
		}
	}

	rec, err := loadClientRecord(ctx, r.store, p.ClientID)
	if err != nil {
		return err
	}
	version, err := loadVersion(ctx, r.store)
	if err != nil {
		return err
	}

	var storedLMID uint64
	if rec != nil {
		storedLMID = rec.LastMutationID
	}

	// Cookie admission: a client cookie ahead of the room implies stale or
	// rolled-back server state.
	if p.BaseCookie != nil {
		if version == nil {
			return connectErrorf(protocol.ErrUnexpectedBaseCookie,
				"baseCookie %d but room has no version", *p.BaseCookie)
		}
		if *p.BaseCookie > *version {
			return connectErrorf(protocol.ErrUnexpectedBaseCookie,
				"baseCookie %d is ahead of version %d", *p.BaseCookie, *version)
		}
	}

	// LMID admission: the client cannot have confirmed mutations the server
	// never recorded.
	if p.LastMutationID > storedLMID {
		return connectErrorf(protocol.ErrUnexpectedLMID,
			"lmid %d is ahead of stored lastMutationID %d", p.LastMutationID, storedLMID)
	}

	newRec := &ClientRecord{
		BaseCookie:     p.BaseCookie,
		LastMutationID: storedLMID,
	}
	if rec != nil {
		newRec.LastMutationIDVersion = rec.LastMutationIDVersion
	}
	if req.UserData != nil {
		newRec.UserID = req.UserData.UserID
	}

	recData, err := marshalClientRecord(newRec)
	if err != nil {
		return err
	}
	batch := &storage.Batch{}
	batch.Put(clientKey(p.ClientID), recData)
	batch.Put(connectedKey(p.ClientID), []byte("{}"))
	if stampSchema {
		batch.Put(keySchemaVersion, marshalSchemaVersion(r.opts.SchemaVersion))
	}
	if err := r.store.Apply(ctx, batch); err != nil {
		return fmt.Errorf("persist client record: %w", err)
	}

	state := &ClientState{
		ClientID:       p.ClientID,
		WSID:           p.WSID,
		UserData:       req.UserData,
		Conn:           req.Conn,
		LastCookieSent: p.BaseCookie,
		lastPendingID:  storedLMID,
	}
	state.RecordClockSkew(toMs(r.clock.Now()) - p.Timestamp)

	if prev := r.clients.Put(state); prev != nil {
		// Forced reconnect: the old socket yields to the new one.
		prev.Conn.Close()
		logging.Info(ctx, "Replaced existing connection",
			zap.String("roomID", string(r.ID)),
			zap.String("clientID", string(p.ClientID)))
	}
	delete(r.disconnectPending, p.ClientID)
	metrics.RoomClients.WithLabelValues(string(r.ID)).Set(float64(r.clients.Len()))

	connected, err := protocol.EncodeConnected(p.WSID)
	if err != nil {
		return err
	}
	req.Conn.Send(connected)

	logging.Info(ctx, "Client connected",
		zap.String("roomID", string(r.ID)),
		zap.String("clientID", string(p.ClientID)),
		zap.String("baseCookie", cookieString(p.BaseCookie)),
		zap.Uint64("lmid", p.LastMutationID))
	return nil
}
