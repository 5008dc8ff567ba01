package authfront

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/room"
)

// InvalidateForUser closes every live connection of userID across all rooms
// it has connection records in. Returns the number of closed connections.
// When multiple rooms fail, the first error wins; the rest are logged.
func (f *Front) InvalidateForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	refs, err := listConnections(ctx, f.store, connectionUserPrefix(userID))
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("user", "error").Inc()
		return 0, err
	}

	closed, err := f.fanOut(ctx, roomsOf(refs), func(ctx context.Context, id room.RoomID) (int, error) {
		return f.hub.InvalidateForUser(ctx, id, userID)
	})
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("user", "error").Inc()
		return closed, err
	}

	metrics.InvalidationsTotal.WithLabelValues("user", "ok").Inc()
	logging.Info(ctx, "Invalidated user connections",
		zap.String("userID", userID), zap.Int("closed", closed))
	return closed, nil
}

// InvalidateForRoom closes every live connection of one room.
func (f *Front) InvalidateForRoom(ctx context.Context, roomID room.RoomID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := loadRoomRecord(ctx, f.store, roomID)
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("room", "error").Inc()
		return 0, err
	}
	if rec == nil {
		metrics.InvalidationsTotal.WithLabelValues("room", "not_found").Inc()
		return 0, ErrRoomRecordNotFound
	}

	closed, err := f.hub.InvalidateRoom(ctx, roomID)
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("room", "error").Inc()
		return closed, err
	}

	metrics.InvalidationsTotal.WithLabelValues("room", "ok").Inc()
	logging.Info(ctx, "Invalidated room connections",
		zap.String("roomID", string(roomID)), zap.Int("closed", closed))
	return closed, nil
}

// InvalidateAll closes every live connection the front knows about.
func (f *Front) InvalidateAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	refs, err := listConnections(ctx, f.store, prefixConnection)
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("all", "error").Inc()
		return 0, err
	}

	closed, err := f.fanOut(ctx, roomsOf(refs), f.hub.InvalidateRoom)
	if err != nil {
		metrics.InvalidationsTotal.WithLabelValues("all", "error").Inc()
		return closed, err
	}

	metrics.InvalidationsTotal.WithLabelValues("all", "ok").Inc()
	logging.Info(ctx, "Invalidated all connections", zap.Int("closed", closed))
	return closed, nil
}

// fanOut calls fn for each room in parallel and aggregates the closed counts.
// The first error wins; later errors are logged and swallowed.
func (f *Front) fanOut(ctx context.Context, rooms []room.RoomID, fn func(context.Context, room.RoomID) (int, error)) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		closed   int
		firstErr error
	)

	for _, id := range rooms {
		wg.Add(1)
		go func(id room.RoomID) {
			defer wg.Done()
			n, err := fn(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			closed += n
			if err != nil {
				if firstErr == nil {
					firstErr = err
				} else {
					logging.Warn(ctx, "Invalidation error after first failure",
						zap.String("roomID", string(id)), zap.Error(err))
				}
			}
		}(id)
	}
	wg.Wait()

	return closed, firstErr
}
