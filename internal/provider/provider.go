// Package provider multiplexes the authoritative context service state to any
// number of independent downstream sessions, each with its own entity filter,
// permissions and outbound queue.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/monitoring"
	"github.com/banshee-data/spatialsync/internal/timeutil"
)

var logf = monitoring.Prefixed("Provider")

// Config holds provider limits.
type Config struct {
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int
	// QueueSize is the number of encoded frames buffered per session.
	QueueSize int
	// SendTimeout bounds a single Transport.Send; zero means no timeout.
	SendTimeout time.Duration
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions: 32,
		QueueSize:   8,
		SendTimeout: 2 * time.Second,
	}
}

// Provider owns the session registry and the per-session fan-out.
type Provider struct {
	cfg   Config
	svc   *contextsvc.Service
	perms Permissions
	clock timeutil.Clock

	mu       sync.RWMutex
	sessions map[SessionID]*session

	// Geolocation aggregation state, guarded by geoMu.
	geoMu        sync.Mutex
	geoForwarded bool
	geoLast      contextsvc.GeolocationOptions

	publishes atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	detachMu sync.Mutex
	detach   func()
}

// New creates a Provider for svc. A nil perms allows everything.
func New(svc *contextsvc.Service, perms Permissions, cfg Config) *Provider {
	if perms == nil {
		perms = AllowAll
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	clock := svc.Options().Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:      cfg,
		svc:      svc,
		perms:    perms,
		clock:    clock,
		sessions: make(map[SessionID]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach publishes every committed frame from the service's post-render
// notification. Calling Attach twice is a no-op.
func (p *Provider) Attach() {
	p.detachMu.Lock()
	defer p.detachMu.Unlock()
	if p.detach != nil {
		return
	}
	p.detach = p.svc.PostRenderEvent.AddListener(func(st *contextsvc.FrameState) error {
		p.publish(st)
		return nil
	})
}

// Register adds a session and starts its delivery goroutine.
func (p *Provider) Register(t Transport, opts SessionOptions) (SessionID, error) {
	if t == nil {
		return "", ErrNilTransport
	}
	size := opts.QueueSize
	if size <= 0 {
		size = p.cfg.QueueSize
	}
	s := &session{
		id:           NewSessionID(),
		label:        opts.Label,
		transport:    t,
		registeredAt: p.clock.Now(),
		include:      make(map[string]bool),
		exclude:      make(map[string]bool),
		queue:        make(chan []byte, size),
		done:         make(chan struct{}),
	}
	for _, id := range opts.Exclude {
		s.exclude[id] = true
	}
	if opts.Geolocation != nil {
		g := *opts.Geolocation
		s.geo = &g
	}

	p.mu.Lock()
	if p.cfg.MaxSessions > 0 && len(p.sessions) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", ErrTooManySessions, p.cfg.MaxSessions)
	}
	p.sessions[s.id] = s
	p.mu.Unlock()

	for _, id := range opts.Include {
		if err := p.Subscribe(s.id, id); err != nil {
			logf("session %s: cannot subscribe to %q: %v", s.id, id, err)
		}
	}

	p.wg.Add(1)
	go p.deliver(s)

	logf("session %s registered (label=%q)", s.id, s.label)
	if s.geo != nil {
		if err := p.updateGeolocation(); err != nil {
			logf("geolocation forward failed: %v", err)
		}
	}
	return s.id, nil
}

// Unregister removes a session. Frames still queued for it are discarded.
func (p *Provider) Unregister(id SessionID) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(p.sessions, id)
	hadGeo := s.geo != nil
	p.mu.Unlock()

	s.closed.Store(true)
	close(s.done)
	s.subMu.Lock()
	includes := sortedKeys(s.include)
	for _, e := range includes {
		p.svc.Unsubscribe(e)
	}
	s.subMu.Unlock()
	logf("session %s unregistered (sent=%d dropped=%d faults=%d)", id, s.sent.Load(), s.dropped.Load(), s.faults.Load())

	if hadGeo {
		return p.updateGeolocation()
	}
	return nil
}

// Close unregisters every session, detaches from the service and waits for
// the delivery goroutines to exit.
func (p *Provider) Close() {
	p.detachMu.Lock()
	if p.detach != nil {
		p.detach()
		p.detach = nil
	}
	p.detachMu.Unlock()

	for _, id := range p.SessionIDs() {
		if err := p.Unregister(id); err != nil {
			logf("close: %v", err)
		}
	}
	p.cancel()
	p.wg.Wait()
}

// SessionIDs returns the registered sessions in order.
func (p *Provider) SessionIDs() []SessionID {
	p.mu.RLock()
	ids := make([]SessionID, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// withSession runs fn on the session under the registry write lock.
func (p *Provider) withSession(id SessionID, fn func(s *session)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(s)
	return nil
}

func (p *Provider) lookup(id SessionID) (*session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Subscribe adds entityID to the session's include set and registers interest
// with the service so the producer starts sending it.
func (p *Provider) Subscribe(id SessionID, entityID string) error {
	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var added bool
	if err := p.withSession(id, func(s *session) {
		if !s.include[entityID] {
			s.include[entityID] = true
			added = true
		}
	}); err != nil {
		return err
	}
	if !added {
		return nil
	}
	if _, err := p.svc.Subscribe(entityID); err != nil {
		_ = p.withSession(id, func(s *session) { delete(s.include, entityID) })
		return err
	}
	return nil
}

// Unsubscribe removes entityID from the session's include set.
func (p *Provider) Unsubscribe(id SessionID, entityID string) error {
	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var removed bool
	if err := p.withSession(id, func(s *session) {
		if s.include[entityID] {
			delete(s.include, entityID)
			removed = true
		}
	}); err != nil {
		return err
	}
	if removed {
		p.svc.Unsubscribe(entityID)
	}
	return nil
}

// Exclude hides entityID from the session unless it is also included.
func (p *Provider) Exclude(id SessionID, entityID string) error {
	return p.withSession(id, func(s *session) { s.exclude[entityID] = true })
}

// Include reverses Exclude.
func (p *Provider) Include(id SessionID, entityID string) error {
	return p.withSession(id, func(s *session) { delete(s.exclude, entityID) })
}

// deliver drains one session's queue into its transport until the session is
// unregistered or the provider closes.
func (p *Provider) deliver(s *session) {
	defer p.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-p.ctx.Done():
			return
		case frame := <-s.queue:
			p.send(s, frame)
		}
	}
}

func (p *Provider) send(s *session, frame []byte) {
	ctx := p.ctx
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		fault := fmt.Errorf("%w: session %s: %w", ErrDeliveryFault, s.id, err)
		s.recordFault(fault)
		logf("%v", fault)
		return
	}
	s.sent.Add(1)
}
