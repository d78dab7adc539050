package captures

import (
	"errors"
	"fmt"
	"os"
	"time"

	"privacycam-go/internal/core/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrCaptureNotFound is returned when a capture id has no record.
var ErrCaptureNotFound = errors.New("capture not found")

// Service manages capture events: their payment state and their retention.
type Service struct {
	db *gorm.DB
}

// NewService creates the capture service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Create registers a new capture event for an owner and returns its id.
func (s *Service) Create(owner, kind, filePath string) (*models.Capture, error) {
	capture := &models.Capture{
		CaptureID: uuid.NewString(),
		Owner:     owner,
		Kind:      kind,
		FilePath:  filePath,
	}
	if err := s.db.Create(capture).Error; err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}
	return capture, nil
}

// Get returns the capture with the given id.
func (s *Service) Get(captureID string) (*models.Capture, error) {
	var capture models.Capture
	err := s.db.Where("capture_id = ?", captureID).First(&capture).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaptureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load capture: %w", err)
	}
	return &capture, nil
}

// MarkPaid records a confirmed payment for a capture event.
func (s *Service) MarkPaid(captureID string) error {
	result := s.db.Model(&models.Capture{}).
		Where("capture_id = ?", captureID).
		Update("paid", true)
	if result.Error != nil {
		return fmt.Errorf("failed to mark capture paid: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCaptureNotFound
	}
	return nil
}

// IsPaid reports whether a capture event has a confirmed payment. An unknown
// capture counts as unpaid.
func (s *Service) IsPaid(captureID string) bool {
	var capture models.Capture
	err := s.db.Select("paid").Where("capture_id = ?", captureID).First(&capture).Error
	if err != nil {
		return false
	}
	return capture.Paid
}

// PruneOlderThan deletes captures past the retention window, including their
// spooled frame files. Returns the number of deleted records.
func (s *Service) PruneOlderThan(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var stale []models.Capture
	if err := s.db.Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("failed to query stale captures: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for _, capture := range stale {
		if capture.FilePath == "" {
			continue
		}
		if err := os.Remove(capture.FilePath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", capture.FilePath).Warn("Failed to remove capture file")
		}
	}

	result := s.db.Unscoped().Where("created_at < ?", cutoff).Delete(&models.Capture{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune captures: %w", result.Error)
	}
	return result.RowsAffected, nil
}
