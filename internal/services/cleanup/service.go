package cleanup

import (
	"context"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/policy"
	"privacycam-go/internal/services/captures"

	log "github.com/sirupsen/logrus"
)

// ConfigurationSource supplies the active privacy configuration, which carries
// the effective retention window.
type ConfigurationSource interface {
	Current() policy.Configuration
}

// Service periodically prunes captures past the configured retention window.
type Service struct {
	cfg      config.CleanupConfig
	captures *captures.Service
	settings ConfigurationSource
}

// NewService creates the cleanup service.
func NewService(cfg config.CleanupConfig, caps *captures.Service, settings ConfigurationSource) *Service {
	return &Service{cfg: cfg, captures: caps, settings: settings}
}

// Start runs one cleanup pass immediately and then once a day until the
// context is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.runOnce()

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()
}

// retentionDays prefers the privacy configuration over the static fallback.
func (s *Service) retentionDays() int {
	if s.settings != nil {
		if days := s.settings.Current().DataRetentionDays; days > 0 {
			return days
		}
	}
	if s.cfg.RetentionDays > 0 {
		return s.cfg.RetentionDays
	}
	return policy.DefaultRetentionDays
}

func (s *Service) runOnce() {
	days := s.retentionDays()
	deleted, err := s.captures.PruneOlderThan(days)
	if err != nil {
		log.WithError(err).Error("Capture cleanup failed")
		return
	}
	if deleted > 0 {
		log.WithFields(log.Fields{
			"deleted":        deleted,
			"retention_days": days,
		}).Info("Pruned expired captures")
	}
}
