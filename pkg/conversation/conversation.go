// Package conversation stores time-bounded message histories that give the
// orchestrator multi-turn context.
//
// Expiry is sliding. Create and AppendMessages set expiresAt to now+TTL; Get
// never extends it. Expired entries are reported as ErrNotFound and removed
// on lookup. A background sweeper is optional.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/labelagent/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown and expired conversations
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidRole rejects messages outside the closed role set
	ErrInvalidRole = errors.New("invalid message role")
)

// DefaultTTL is the sliding expiry window
const DefaultTTL = time.Hour

// Role is who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is in the closed role set
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one turn of a conversation
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the caller-facing view of a stored history.
// MessageCount counts every message ever appended, including ones trimmed
// by the max-messages window.
type Conversation struct {
	ID             string    `json:"conversationId"`
	OwnerID        string    `json:"ownerId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Messages       []Message `json:"messages"`
	MessageCount   int       `json:"messageCount"`
}

// Expired reports whether the conversation has passed its expiry at now
func (c *Conversation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Conversation) clone() *Conversation {
	out := *c
	out.Messages = append([]Message{}, c.Messages...)
	return &out
}

// Stats is a weakly consistent snapshot. TotalMessages sums MessageCount
// over active conversations, so trimmed messages still count. Oldest and
// Newest are creation times of active conversations and are nil when none
// are active.
type Stats struct {
	Total         int        `json:"total"`
	Active        int        `json:"active"`
	Expired       int        `json:"expired"`
	TotalMessages int        `json:"totalMessages"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
}

// Store is a TTL-indexed conversation store. Mutations are atomic per id.
type Store interface {
	Create(ctx context.Context, ownerID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	AppendMessages(ctx context.Context, id string, msgs ...Message) (*Conversation, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	// List returns the ids of active conversations
	List(ctx context.Context) ([]string, error)
	// Sweep removes expired entries and reports how many it removed
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Option configures a store
type Option func(*options)

type options struct {
	ttl         time.Duration
	maxMessages int
	now         func() time.Time
	newID       func() string
	logger      logger.Logger
}

func defaultOptions() options {
	return options{
		ttl:    DefaultTTL,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: logger.NoOpLogger{},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL sets the sliding expiry window
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxMessages keeps only the newest n messages; 0 keeps all
func WithMaxMessages(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxMessages = n
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithLogger sets the store logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = logger.OrNoOp(l)
	}
}

func (o options) newConversation(ownerID string) *Conversation {
	now := o.now()
	return &Conversation{
		ID:             o.newID(),
		OwnerID:        ownerID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(o.ttl),
		Messages:       []Message{},
	}
}

// appendTo validates msgs and applies them to c, extending expiry
func (o options) appendTo(c *Conversation, msgs []Message) error {
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: %w %q", i, ErrInvalidRole, m.Role)
		}
	}

	now := o.now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		c.Messages = append(c.Messages, m)
	}
	c.MessageCount += len(msgs)
	if o.maxMessages > 0 && len(c.Messages) > o.maxMessages {
		c.Messages = append([]Message{}, c.Messages[len(c.Messages)-o.maxMessages:]...)
	}
	c.LastActivityAt = now
	c.ExpiresAt = now.Add(o.ttl)
	return nil
}

// accumulate folds one conversation into a stats snapshot
func (s *Stats) accumulate(c *Conversation, now time.Time) {
	s.Total++
	if c.Expired(now) {
		s.Expired++
		return
	}
	s.Active++
	s.TotalMessages += c.MessageCount
	created := c.CreatedAt
	if s.Oldest == nil || created.Before(*s.Oldest) {
		s.Oldest = &created
	}
	if s.Newest == nil || created.After(*s.Newest) {
		s.Newest = &created
	}
}
