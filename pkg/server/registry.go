package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/telemetry"
	"github.com/vango-dev/tether/pkg/transport"
)

// Registry tracks every live session, attached or detached, and decides
// whether a handshake starts a new session or resumes an existing one.
type Registry struct {
	srv *Server

	// Sessions map protected by RWMutex
	sessions map[string]*Session
	mu       sync.RWMutex

	// Session count per IP address (protected by mu)
	sessionsByIP map[string]int

	// Tokens of sessions destroyed by the grace sweep
	tombstones *cache.Cache

	// Limits
	maxSessions      int
	maxSessionsPerIP int

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	totalResumed atomic.Uint64
	peakSessions int

	logger *slog.Logger
}

func newRegistry(srv *Server) *Registry {
	ttl := srv.config.TombstoneTTL
	return &Registry{
		srv:              srv,
		sessions:         make(map[string]*Session),
		sessionsByIP:     make(map[string]int),
		tombstones:       cache.New(ttl, ttl),
		maxSessions:      srv.config.MaxSessions,
		maxSessionsPerIP: srv.config.MaxSessionsPerIP,
		logger:           srv.logger.With("component", "session_registry"),
	}
}

// BeginSession handles a ClientHello arriving on conn. Without a token, or
// with a well-formed token this process never issued, a fresh session is
// created. A token of a live session resumes it, replacing its previous
// connection. A malformed token, or one whose session already expired, is
// rejected with HandshakeInvalidToken.
//
// On success conn is attached and a ServerHello is queued as the first
// message it will carry.
func (r *Registry) BeginSession(hello *protocol.ClientHello, conn transport.Conn) (*Session, error) {
	if hello.Version.Major != protocol.CurrentVersion.Major {
		return nil, &HandshakeError{Reason: protocol.HandshakeProtocolVersionUnsupported}
	}

	now := time.Now()
	ip := transport.RemoteIP(conn)

	var session *Session
	resumed := false
	switch {
	case hello.Token == "":
	case !validToken(hello.Token):
		return nil, &HandshakeError{Reason: protocol.HandshakeInvalidToken}
	default:
		if _, expired := r.tombstones.Get(hello.Token); expired {
			return nil, &HandshakeError{Reason: protocol.HandshakeInvalidToken}
		}
		r.mu.Lock()
		if s, ok := r.sessions[hello.Token]; ok && !s.IsClosed() {
			if err := r.moveIPLocked(s, ip); err != nil {
				r.mu.Unlock()
				return nil, err
			}
			// Claimed under r.mu so a concurrent sweep no longer sees it
			// as detached.
			s.detachedAt.Store(0)
			session, resumed = s, true
		}
		r.mu.Unlock()
	}

	if session == nil {
		var err error
		if session, err = r.create(ip, now); err != nil {
			return nil, err
		}
	}

	if !session.call(func() { session.attach(conn, hello, now) }) {
		return nil, ErrSessionClosed
	}

	if resumed {
		r.totalResumed.Add(1)
		r.srv.emit(telemetry.SessionResumed, session, 1)
		r.logger.Info("session resumed",
			"session_id", session.id,
			"conn_id", conn.ID(),
			"transport", conn.Kind().String(),
			"last_version", hello.LastVersion)
	}
	return session, nil
}

// create registers a fresh session.
func (r *Registry) create(ip string, now time.Time) (*Session, error) {
	r.mu.Lock()

	// Check session limit
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrMaxSessionsReached
	}
	if r.maxSessionsPerIP > 0 && ip != "" && r.sessionsByIP[ip] >= r.maxSessionsPerIP {
		r.mu.Unlock()
		return nil, ErrTooManySessionsFromIP
	}

	session := newSession(r.srv, ip, now)
	r.sessions[session.id] = session
	if ip != "" {
		r.sessionsByIP[ip]++
	}
	r.totalCreated.Add(1)
	if len(r.sessions) > r.peakSessions {
		r.peakSessions = len(r.sessions)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.srv.dispatcher.Register(session)
	r.srv.emit(telemetry.SessionOpened, session, 1)
	r.logger.Info("session created",
		"session_id", session.id,
		"ip", ip,
		"active_sessions", count)
	return session, nil
}

// moveIPLocked rebinds a resuming session to a new client IP, enforcing
// the per-IP limit on the new address.
func (r *Registry) moveIPLocked(s *Session, ip string) error {
	if ip == "" || ip == s.ip {
		return nil
	}
	if r.maxSessionsPerIP > 0 && r.sessionsByIP[ip] >= r.maxSessionsPerIP {
		return ErrTooManySessionsFromIP
	}
	if s.ip != "" {
		r.sessionsByIP[s.ip]--
		if r.sessionsByIP[s.ip] <= 0 {
			delete(r.sessionsByIP, s.ip)
		}
	}
	r.sessionsByIP[ip]++
	s.ip = ip
	return nil
}

func (r *Registry) removeLocked(id string) *Session {
	session, exists := r.sessions[id]
	if !exists {
		return nil
	}
	delete(r.sessions, id)
	if session.ip != "" {
		r.sessionsByIP[session.ip]--
		if r.sessionsByIP[session.ip] <= 0 {
			delete(r.sessionsByIP, session.ip)
		}
	}
	return session
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Detach is called when connection connID of session id goes away. The
// session enters its grace period unless it has already moved to another
// connection.
func (r *Registry) Detach(id string, connID uint64) {
	session := r.Get(id)
	if session == nil {
		return
	}
	detached := false
	session.call(func() { detached = session.detach(connID, time.Now()) })
	r.srv.dispatcher.Unbind(connID)
	if !detached {
		return
	}
	r.srv.emit(telemetry.SessionDetached, session, 1)
	r.logger.Info("session detached",
		"session_id", id,
		"conn_id", connID,
		"grace", session.config.GracePeriod)
}

// Destroy closes a session and forgets it. Its token is not remembered, so
// a client presenting it later simply gets a new session.
func (r *Registry) Destroy(id, reason string) {
	r.destroy(id, reason, protocol.CloseNormal, false)
}

func (r *Registry) destroy(id, reason string, code protocol.CloseReason, tombstone bool) {
	r.mu.Lock()
	session := r.removeLocked(id)
	count := len(r.sessions)
	r.mu.Unlock()
	if session == nil {
		return
	}
	r.finish(session, reason, code, tombstone, count)
}

// expire destroys session id if it is still detached past its grace
// period at now. The check and the removal happen under one lock, so a
// session resumed after it was found stale survives.
func (r *Registry) expire(id string, now time.Time) bool {
	grace := r.srv.config.SessionConfig.GracePeriod
	r.mu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if at := session.DetachedAt(); at.IsZero() || now.Sub(at) <= grace {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(id)
	count := len(r.sessions)
	r.mu.Unlock()
	r.finish(session, "grace_expired", protocol.CloseSessionExpired, true, count)
	return true
}

func (r *Registry) finish(session *Session, reason string, code protocol.CloseReason, tombstone bool, count int) {
	id := session.id
	if tombstone {
		r.tombstones.SetDefault(id, struct{}{})
	}
	r.srv.dispatcher.Unregister(id)
	session.close(code)
	r.totalClosed.Add(1)
	r.srv.emit(telemetry.SessionClosed, session, 1)
	r.logger.Info("session closed",
		"session_id", id,
		"reason", reason,
		"active_sessions", count)
}

// ExpireStaleSessions destroys every session that has been detached for
// longer than the grace period and returns how many it destroyed. Their
// tokens are rejected as invalid from then on.
func (r *Registry) ExpireStaleSessions(now time.Time) int {
	grace := r.srv.config.SessionConfig.GracePeriod

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if at := s.DetachedAt(); !at.IsZero() && now.Sub(at) > grace {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if r.expire(id, now) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("expired detached sessions",
			"count", n,
			"remaining", r.Count())
	}
	return n
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	for _, s := range r.Sessions() {
		r.destroy(s.id, "shutdown", protocol.CloseServerShutdown, false)
	}
}

// RegistryStats summarizes registry activity.
type RegistryStats struct {
	Active   int
	Detached int
	Peak     int
	Created  uint64
	Closed   uint64
	Resumed  uint64
}

// Stats returns current registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RegistryStats{
		Active:  len(r.sessions),
		Peak:    r.peakSessions,
		Created: r.totalCreated.Load(),
		Closed:  r.totalClosed.Load(),
		Resumed: r.totalResumed.Load(),
	}
	for _, s := range r.sessions {
		if s.Detached() {
			st.Detached++
		}
	}
	return st
}
