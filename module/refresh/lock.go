package refresh

import (
	"context"
	"time"

	"PPAuth/global"
	"PPAuth/service/storage"
	"PPAuth/tools/clock"
)

// Lock is the soft refresh lock in the shared store. It is advisory: two
// contexts in different processes can both pass tryLock in a narrow race,
// which only costs one extra refresh call.
type Lock struct {
	Owner     string `json:"owner"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Coordinator) readLock(ctx context.Context) *Lock {
	l, ok, err := storage.GetJSON[Lock](ctx, c.d.Store, global.KeyRefreshLock)
	if err != nil || !ok {
		return nil
	}
	return l
}

// heldElsewhere returns how long a foreign lock stays valid, or 0.
func (c *Coordinator) heldElsewhere(l *Lock, now time.Time) time.Duration {
	if l == nil || l.Owner == c.d.Self {
		return 0
	}
	left := c.conf.LockStaleness - now.Sub(clock.FromUnixMilli(l.Timestamp))
	if left <= 0 {
		return 0
	}
	return left
}

// tryLock takes the lock, confirming by reading it back. On failure it
// returns how long to wait before trying again.
func (c *Coordinator) tryLock(ctx context.Context) (bool, time.Duration) {
	now := c.d.Loop.Now()
	if wait := c.heldElsewhere(c.readLock(ctx), now); wait > 0 {
		return false, wait
	}
	mine := Lock{Owner: c.d.Self, Timestamp: clock.UnixMilli(now)}
	_ = storage.SetJSON(ctx, c.d.Store, global.KeyRefreshLock, mine, c.conf.LockStaleness)
	if back := c.readLock(ctx); back != nil && back.Owner != c.d.Self {
		if wait := c.heldElsewhere(back, now); wait > 0 {
			return false, wait
		}
	}
	return true, 0
}

func (c *Coordinator) releaseLock(ctx context.Context) {
	if l := c.readLock(ctx); l != nil && l.Owner == c.d.Self {
		_ = c.d.Store.Remove(ctx, global.KeyRefreshLock)
	}
}
