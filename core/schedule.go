package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSchedule runs CheckNow on a cron spec (e.g. "@every 15m") until Close.
// Ticks while signed out are skipped.
func (s *Service) StartSchedule(spec string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("core: schedule already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, s.scheduledCheck); err != nil {
		return fmt.Errorf("core: schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Service) scheduledCheck() {
	if s.AccountID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.CheckNow(ctx); err != nil {
		s.log.WithError(err).Warn("scheduled entitlement check failed")
	}
}

// Close stops the schedule, signs out and closes the update source when it
// is an io.Closer, e.g. a routed per-account inbox.
func (s *Service) Close() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.SignOut()
	if closer, ok := s.deps.Updates.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.log.WithError(err).Warn("close update source failed")
		}
	}
}
