package omnibox

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Session is the explicit connection/session context: it owns the auth token
// and the single push channel permitted per session. Create with NewSession,
// dispose with Close. Both the REST client and the transport take the session
// by injection instead of reading ambient state.
type Session struct {
	mu        sync.Mutex
	token     string
	transport *Transport
	closed    bool
}

// NewSession creates a session around a bearer token.
func NewSession(token string) *Session {
	return &Session{token: token}
}

// TokenValue returns the current bearer token.
func (s *Session) TokenValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the bearer token, e.g. after a refresh. The next
// handshake and REST call pick it up.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// NewTransport creates the session's push transport. At most one transport
// may exist per session; a second call fails until the session is closed.
func (s *Session) NewTransport(baseURL string, config *TransportConfig, opts ...TransportOption) (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if s.transport != nil {
		return nil, fmt.Errorf("session already has a transport")
	}
	var cfg TransportConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	t := newTransport(s, baseURL, &cfg)
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	s.transport = t
	return t, nil
}

// Transport returns the session's transport, or nil before NewTransport.
func (s *Session) Transport() *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Close disconnects the push channel and invalidates the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		return t.Disconnect()
	}
	return nil
}
