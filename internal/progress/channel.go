package progress

import (
	"context"
	"fmt"
	"sync"
)

// Channel is a coalescing conduit from executors to the supervising loop.
// Each job owns one slot: a non-checkpoint event overwrites the slot's
// pending update, while checkpoints queue and are never discarded before the
// consumer drains them. A checkpoint supersedes any update still pending in
// the same slot. Memory is bounded by the number of jobs times the number of
// phases, regardless of how slowly the consumer drains.
type Channel struct {
	mu    sync.Mutex
	slots map[string]*slot
	order []string
	ready chan struct{}
}

type slot struct {
	checkpoints []Event
	latest      *Event
}

// NewChannel returns an empty Channel.
func NewChannel() *Channel {
	return &Channel{
		slots: make(map[string]*slot),
		ready: make(chan struct{}, 1),
	}
}

// Emit stores evt in its job's slot. It never blocks. Invalid events are
// ignored.
func (c *Channel) Emit(evt Event) {
	if c == nil || evt.Validate() != nil {
		return
	}
	c.mu.Lock()
	s, ok := c.slots[evt.JobID]
	if !ok {
		s = &slot{}
		c.slots[evt.JobID] = s
		c.order = append(c.order, evt.JobID)
	}
	if evt.Checkpoint {
		s.latest = nil
		s.checkpoints = append(s.checkpoints, evt)
	} else {
		e := evt
		s.latest = &e
	}
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Emit stores an event. A single signal may cover
// many events, so consumers should Drain until it returns nothing.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Wait blocks until at least one event may be pending or ctx ends.
func (c *Channel) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress wait: %w", ctx.Err())
	}
}

// Drain removes and returns every pending event. Jobs appear in the order
// their slot was first filled; within a job, checkpoints come first in
// emission order followed by the latest update.
func (c *Channel) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	var out []Event
	for _, id := range c.order {
		s := c.slots[id]
		out = append(out, s.checkpoints...)
		if s.latest != nil {
			out = append(out, *s.latest)
		}
		delete(c.slots, id)
	}
	c.order = c.order[:0]
	return out
}

// Len reports how many events are waiting.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		n += len(s.checkpoints)
		if s.latest != nil {
			n++
		}
	}
	return n
}
