package relay

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// groupLocks serializes turns per group. Each group gets a one-slot
// semaphore so waiting can be abandoned when the context ends. A slot is
// evicted once no turn holds or waits on it.
type groupLocks struct {
	slots *xsync.Map[uint, *groupSlot]
}

// groupSlot is only mutated inside slots.Compute.
type groupSlot struct {
	sem  chan struct{}
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{slots: xsync.NewMap[uint, *groupSlot]()}
}

// lock blocks until the group is free or ctx is done. The returned func
// releases the group.
func (l *groupLocks) lock(ctx context.Context, groupID uint) (func(), error) {
	slot, _ := l.slots.Compute(groupID, func(s *groupSlot, loaded bool) (*groupSlot, xsync.ComputeOp) {
		if !loaded {
			s = &groupSlot{sem: make(chan struct{}, 1)}
		}
		s.refs++
		return s, xsync.UpdateOp
	})
	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			l.release(groupID)
		}, nil
	case <-ctx.Done():
		l.release(groupID)
		return nil, ctx.Err()
	}
}

func (l *groupLocks) release(groupID uint) {
	l.slots.Compute(groupID, func(s *groupSlot, loaded bool) (*groupSlot, xsync.ComputeOp) {
		if !loaded {
			return s, xsync.CancelOp
		}
		s.refs--
		if s.refs == 0 {
			return s, xsync.DeleteOp
		}
		return s, xsync.UpdateOp
	})
}
