package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown or unregistered session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is the delivery fault recorded when a session goes away
	// while a frame is being fanned out to it.
	ErrSessionClosed = errors.New("session closed")

	// ErrDeliveryFault wraps per-session send failures and dropped frames.
	ErrDeliveryFault = errors.New("delivery fault")

	// ErrTooManySessions is returned by Register when MaxSessions is reached.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrNilTransport is returned by Register without a transport.
	ErrNilTransport = errors.New("transport cannot be nil")
)

// SessionID is the opaque handle of a registered session.
type SessionID string

// NewSessionID returns a fresh random session handle.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Transport delivers encoded frames to one downstream consumer. Send may block;
// each session's sends run on their own goroutine.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, frame []byte) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Permissions decides whether a session may see an entity.
type Permissions interface {
	CanSee(session SessionID, entityID string) bool
}

// PermissionFunc adapts a function to Permissions.
type PermissionFunc func(session SessionID, entityID string) bool

// CanSee calls f.
func (f PermissionFunc) CanSee(session SessionID, entityID string) bool { return f(session, entityID) }

// AllowAll grants every session every entity.
var AllowAll Permissions = PermissionFunc(func(SessionID, string) bool { return true })

// SessionOptions configures a session at registration.
type SessionOptions struct {
	// Label is a human readable name used in logs and debug pages.
	Label string
	// Include lists entities the session explicitly subscribes to.
	Include []string
	// Exclude lists entities hidden from the session unless also included.
	Exclude []string
	// Geolocation is the session's geolocation request; nil requests nothing.
	Geolocation *contextsvc.GeolocationOptions
	// QueueSize overrides Config.QueueSize for this session.
	QueueSize int
}

// session is owned by the Provider registry. The include/exclude sets and geo
// are guarded by Provider.mu.
type session struct {
	id           SessionID
	label        string
	transport    Transport
	registeredAt time.Time

	include map[string]bool
	exclude map[string]bool
	geo     *contextsvc.GeolocationOptions

	// subMu orders include changes and their service refcounts against
	// Unregister releasing them.
	subMu sync.Mutex

	queue  chan []byte
	done   chan struct{}
	closed atomic.Bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	faults  atomic.Uint64

	lastErrMu sync.Mutex
	lastErr   string
}

func (s *session) recordFault(err error) {
	s.faults.Add(1)
	s.lastErrMu.Lock()
	s.lastErr = err.Error()
	s.lastErrMu.Unlock()
}

func (s *session) lastError() string {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// sessionView is an immutable copy of a session's filter taken at the start of a publish.
type sessionView struct {
	s       *session
	include map[string]bool
	exclude map[string]bool
	geo     bool
}

func (s *session) view() sessionView {
	v := sessionView{
		s:       s,
		include: make(map[string]bool, len(s.include)),
		exclude: make(map[string]bool, len(s.exclude)),
		geo:     s.geo != nil,
	}
	for id := range s.include {
		v.include[id] = true
	}
	for id := range s.exclude {
		v.exclude[id] = true
	}
	return v
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
