package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process memory behind a single lock.
// Process restart discards everything.
type MemoryStore struct {
	opts options

	mu            sync.RWMutex
	conversations map[string]*Conversation

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:          buildOptions(opts),
		conversations: make(map[string]*Conversation),
		stopChan:      make(chan struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

// Create starts a conversation expiring TTL from now
func (m *MemoryStore) Create(ctx context.Context, ownerID string) (*Conversation, error) {
	c := m.opts.newConversation(ownerID)

	m.mu.Lock()
	m.conversations[c.ID] = c
	m.mu.Unlock()

	m.opts.logger.Debug("conversation created", "operation", "create", "conversation_id", c.ID)
	return c.clone(), nil
}

// Get returns a copy of the conversation without extending its expiry
func (m *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	now := m.opts.now()

	m.mu.RLock()
	c, ok := m.conversations[id]
	if ok && !c.Expired(now) {
		out := c.clone()
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	if ok {
		m.evict(id, now)
	}
	return nil, ErrNotFound
}

// AppendMessages adds messages and extends the expiry
func (m *MemoryStore) AppendMessages(ctx context.Context, id string, msgs ...Message) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(m.opts.now()) {
		delete(m.conversations, id)
		return nil, ErrNotFound
	}

	// Apply to a copy so a rejected batch leaves the stored history untouched
	updated := c.clone()
	if err := m.opts.appendTo(updated, msgs); err != nil {
		return nil, err
	}
	m.conversations[id] = updated
	return updated.clone(), nil
}

// Delete removes a conversation and reports whether it existed
func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	delete(m.conversations, id)
	return !c.Expired(m.opts.now()), nil
}

// Stats summarizes held conversations, including expired ones not yet evicted
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	now := m.opts.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, c := range m.conversations {
		s.accumulate(c, now)
	}
	return s, nil
}

// List returns active conversation ids, sorted
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	now := m.opts.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conversations))
	for id, c := range m.conversations {
		if !c.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Sweep removes every expired conversation
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, c := range m.conversations {
		if c.Expired(now) {
			delete(m.conversations, id)
			removed++
		}
	}
	if removed > 0 {
		m.opts.logger.Debug("expired conversations swept", "operation", "sweep", "removed", removed)
	}
	return removed, nil
}

// StartSweeper runs Sweep every interval until Close
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	startSweeper(m, interval, m.stopChan, &m.wg, m.opts)
}

// Close stops the sweeper
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return nil
}

func (m *MemoryStore) evict(id string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[id]; ok && c.Expired(now) {
		delete(m.conversations, id)
	}
}

// startSweeper is shared by both stores
func startSweeper(s Store, interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup, o options) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(context.Background()); err != nil {
					o.logger.Warn("conversation sweep failed", "operation", "sweep", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}
