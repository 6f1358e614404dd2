package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrRegistryClosed is returned by Session after Close.
var ErrRegistryClosed = errors.New("core: registry closed")

// Factory builds an unsigned-in Service for accountID.
type Factory func(accountID string) (*Service, error)

// Registry keeps one signed-in Service per account for servers that act on
// behalf of many accounts. Sessions idle longer than the sweep limit are ended.
type Registry struct {
	factory Factory
	log     logrus.FieldLogger
	now     func() time.Time
	group   singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	svc      *Service
	lastUsed time.Time
}

// RegistryOpt configures a Registry.
type RegistryOpt func(*Registry)

// WithRegistryClock replaces time.Now for idle tracking.
func WithRegistryClock(now func() time.Time) RegistryOpt {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(factory Factory, log logrus.FieldLogger, opts ...RegistryOpt) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{factory: factory, log: log, now: time.Now, sessions: make(map[string]*session)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the account's Service, signing it in on first use. The
// first sign-in runs outside the registry lock; concurrent callers for the
// same account share it.
func (r *Registry) Session(ctx context.Context, accountID string) (*Service, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, entitlements.ErrNotAuthenticated
	}
	if svc, ok, err := r.touch(accountID); ok || err != nil {
		return svc, err
	}
	v, err, _ := r.group.Do(accountID, func() (any, error) {
		if svc, ok, err := r.touch(accountID); ok || err != nil {
			return svc, err
		}
		svc, err := r.factory(accountID)
		if err != nil {
			return nil, fmt.Errorf("core: build session: %w", err)
		}
		if _, err := svc.SignIn(ctx, accountID); err != nil {
			// The session stays usable; the next check retries the read.
			r.log.WithError(err).WithField("account_id", accountID).Warn("initial entitlement check failed")
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			svc.Close()
			return nil, ErrRegistryClosed
		}
		r.sessions[accountID] = &session{svc: svc, lastUsed: r.now()}
		r.mu.Unlock()
		return svc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Service), nil
}

// touch returns a live session and marks it used.
func (r *Registry) touch(accountID string) (*Service, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	s, ok := r.sessions[accountID]
	if !ok {
		return nil, false, nil
	}
	s.lastUsed = r.now()
	return s.svc, true, nil
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(accountID string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	if !ok {
		return nil, false
	}
	return s.svc, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(accountID string, svc *Service)) {
	r.mu.Lock()
	snapshot := make(map[string]*Service, len(r.sessions))
	for k, v := range r.sessions {
		snapshot[k] = v.svc
	}
	r.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// End signs out and forgets accountID.
func (r *Registry) End(accountID string) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()
	if ok {
		s.svc.Close()
	}
}

// Sweep ends every session not requested through Session for longer than
// idle and returns how many it ended. A non-positive idle ends nothing.
func (r *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	var stale []*Service
	for id, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s.svc)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, svc := range stale {
		svc.Close()
	}
	if len(stale) > 0 {
		r.log.WithField("sessions", len(stale)).Info("ended idle entitlement sessions")
	}
	return len(stale)
}

// Close ends every session. Later Session calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.closed = true
	r.mu.Unlock()
	for _, s := range sessions {
		s.svc.Close()
	}
}

// CheckAll runs CheckNow for every live session, logging failures.
func (r *Registry) CheckAll(ctx context.Context) {
	r.Each(func(accountID string, svc *Service) {
		if _, err := svc.CheckNow(ctx); err != nil {
			r.log.WithError(err).WithField("account_id", accountID).Warn("scheduled entitlement check failed")
		}
	})
}
