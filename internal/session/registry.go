package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNotInitialized is returned for operations on a connection that has not
// joined yet. This is a caller-usage error, not a transient fault.
var ErrNotInitialized = errors.New("session not initialized: join first")

// ErrRunInFlight is returned when an upload arrives while the previous
// utterance for the same session is still being processed.
var ErrRunInFlight = errors.New("an utterance is already being processed")

// Session is the per-connection state machine: identity, the associated
// conversation, and the cancellation scope every operation issued on behalf
// of this connection runs under.
type Session struct {
	ID             string
	ConversationID string

	ctx      context.Context
	cancel   context.CancelFunc
	inflight atomic.Bool
}

// Context is the session's cancellation scope.
func (s *Session) Context() context.Context { return s.ctx }

// BeginRun reserves the single pipeline-run slot. Callers must pair a
// successful BeginRun with EndRun.
func (s *Session) BeginRun() error {
	if !s.inflight.CompareAndSwap(false, true) {
		return ErrRunInFlight
	}
	return nil
}

func (s *Session) EndRun() { s.inflight.Store(false) }

// Registry owns one Session per live connection, keyed by connection
// identity. Instantiate one per server; tests use isolated registries.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create allocates a fresh session for the connection, replacing and
// cancelling any session left behind by an earlier connection with the same
// key. The session's context is derived from parent.
func (r *Registry) Create(parent context.Context, connectionKey, conversationID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	sess := &Session{
		ID:             strings.ReplaceAll(uuid.NewString(), "-", ""),
		ConversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
	}

	r.mu.Lock()
	prev := r.sessions[connectionKey]
	r.sessions[connectionKey] = sess
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return sess
}

// Lookup returns the session for the connection, or ErrNotInitialized.
func (r *Registry) Lookup(connectionKey string) (*Session, error) {
	r.mu.Lock()
	sess := r.sessions[connectionKey]
	r.mu.Unlock()
	if sess == nil {
		return nil, ErrNotInitialized
	}
	return sess, nil
}

// Destroy cancels the session's scope and removes the registration.
// Destroying an unknown or already-destroyed session is a no-op.
func (r *Registry) Destroy(connectionKey string) {
	r.mu.Lock()
	sess := r.sessions[connectionKey]
	delete(r.sessions, connectionKey)
	r.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
