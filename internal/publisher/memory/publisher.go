// Package memory contains an in-memory delivery announcer for tests and dry
// runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Publisher records announcements for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []crawler.Announcement
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Announce calls return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Announce implements crawler.Announcer.
func (p *Publisher) Announce(_ context.Context, a crawler.Announcement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, a)
	return nil
}

// Messages returns the recorded announcements.
func (p *Publisher) Messages() []crawler.Announcement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.Announcement, len(p.messages))
	copy(out, p.messages)
	return out
}
