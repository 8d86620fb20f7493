package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"telemetry-engine/internal/telemetry"
	"telemetry-engine/internal/token"
)

var errMissingField = errors.New("token and deviceId are required")

type Emitter interface {
	PublishSignOut(deviceID, reason string) error
}

type Metrics interface {
	SignOutInc(reason string)
}

// Session holds the credential handed over by the host and performs the
// sign-out the engine requests.
type Session struct {
	logger  *slog.Logger
	emitter Emitter
	metrics Metrics
	// onSignOut runs after the credential is dropped. It must not block on
	// the fetch guard.
	onSignOut func()
	now       func() time.Time

	mu       sync.RWMutex
	token    string
	deviceID string
}

type Option func(*Session)

func WithEmitter(e Emitter) Option     { return func(s *Session) { s.emitter = e } }
func WithMetrics(m Metrics) Option     { return func(s *Session) { s.metrics = m } }
func WithSignOutHook(fn func()) Option { return func(s *Session) { s.onSignOut = fn } }
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Session {
	s := &Session{logger: logger.With("component", "session"), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Set stores a credential after checking it locally. A credential that would
// be signed out on the first cycle is refused.
func (s *Session) Set(credential, deviceID string) error {
	credential = strings.TrimSpace(credential)
	deviceID = strings.TrimSpace(deviceID)
	if credential == "" || deviceID == "" {
		return errMissingField
	}
	if err := token.Check(credential, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.token, s.deviceID = credential, deviceID
	s.mu.Unlock()
	s.logger.Info("session started", "device", deviceID)
	return nil
}

func (s *Session) Credential() (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.deviceID, s.token != ""
}

func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.token, s.deviceID = "", ""
	s.mu.Unlock()
}

// SignOut drops the credential, announces the sign-out and notifies the
// scheduler through the hook.
func (s *Session) SignOut(_ context.Context, cause error) {
	deviceID := s.DeviceID()
	reason := Reason(cause)
	s.Clear()
	s.logger.Warn("sign out required", "device", deviceID, "reason", reason)

	if s.metrics != nil {
		s.metrics.SignOutInc(reason)
	}
	if s.emitter != nil {
		if err := s.emitter.PublishSignOut(deviceID, reason); err != nil {
			s.logger.Warn("publish sign out failed", "err", err)
		}
	}
	if s.onSignOut != nil {
		s.onSignOut()
	}
}

// Reason names the credential problem behind a sign-out.
func Reason(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, telemetry.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, telemetry.ErrUnauthorized):
		return "unauthorized"
	default:
		return "other"
	}
}
