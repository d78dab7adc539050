package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"privacycam-go/internal/core/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrInvalidDescriptor is returned when a descriptor does not match the
	// gallery's configured embedding size or model version.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrIdentityNotFound is returned when the referenced identity does not exist.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Entry is one (identity, descriptor) pair of the gallery snapshot.
type Entry struct {
	IdentityID   uint
	Name         string
	EnrolledAt   time.Time // identity creation time, used for tie-breaking
	DescriptorID uint
	Vector       []float32
}

// Gallery is an immutable snapshot of all enrolled descriptors. Matchers scan
// snapshots only, so a running scan can never observe a half-written identity.
type Gallery struct {
	Entries      []Entry
	Dimensions   int
	ModelVersion string
}

// Store owns the enrolled identities. Writes go through a single GORM
// transaction and then swap in a fresh snapshot; readers take snapshots under
// a read lock and are never blocked by an in-flight enrollment for longer
// than the pointer swap.
type Store struct {
	db           *gorm.DB
	dimensions   int
	modelVersion string

	mu       sync.RWMutex
	snapshot *Gallery
}

// New creates a Store bound to the given database and loads the initial
// snapshot.
func New(db *gorm.DB, dimensions int, modelVersion string) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding size must be positive, got %d", dimensions)
	}
	s := &Store{
		db:           db,
		dimensions:   dimensions,
		modelVersion: modelVersion,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable gallery snapshot.
func (s *Store) Snapshot() *Gallery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Enroll creates a new identity from a single captured descriptor. The write
// is atomic: no reader ever observes the identity without its descriptor.
func (s *Store) Enroll(owner, name string, vec []float32) (*models.Identity, error) {
	if err := s.validate(vec); err != nil {
		return nil, err
	}

	identity := models.Identity{
		Name:         name,
		Owner:        owner,
		ModelVersion: s.modelVersion,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&identity).Error; err != nil {
			return fmt.Errorf("failed to create identity: %w", err)
		}
		desc, err := models.NewDescriptor(identity.ID, vec)
		if err != nil {
			return err
		}
		if err := tx.Create(&desc).Error; err != nil {
			return fmt.Errorf("failed to create descriptor: %w", err)
		}
		identity.Descriptors = []models.Descriptor{desc}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snapshot = s.snapshot.with(Entry{
		IdentityID:   identity.ID,
		Name:         identity.Name,
		EnrolledAt:   identity.CreatedAt,
		DescriptorID: identity.Descriptors[0].ID,
		Vector:       vec,
	})
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"identity_id": identity.ID,
		"name":        identity.Name,
	}).Info("Enrolled new identity")

	return &identity, nil
}

// Append adds another descriptor to an existing identity to improve match
// robustness.
func (s *Store) Append(identityID uint, vec []float32) error {
	if err := s.validate(vec); err != nil {
		return err
	}

	var identity models.Identity
	if err := s.db.First(&identity, identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrIdentityNotFound
		}
		return err
	}
	if identity.ModelVersion != s.modelVersion {
		return fmt.Errorf("%w: identity %d was enrolled with model version %q, gallery runs %q",
			ErrInvalidDescriptor, identityID, identity.ModelVersion, s.modelVersion)
	}

	desc, err := models.NewDescriptor(identity.ID, vec)
	if err != nil {
		return err
	}
	if err := s.db.Create(&desc).Error; err != nil {
		return fmt.Errorf("failed to create descriptor: %w", err)
	}

	s.mu.Lock()
	s.snapshot = s.snapshot.with(Entry{
		IdentityID:   identity.ID,
		Name:         identity.Name,
		EnrolledAt:   identity.CreatedAt,
		DescriptorID: desc.ID,
		Vector:       vec,
	})
	s.mu.Unlock()

	log.WithField("identity_id", identity.ID).Debug("Appended descriptor to identity")
	return nil
}

// Remove deletes an identity and all of its descriptors.
func (s *Store) Remove(identityID uint) error {
	result := s.db.Select("Descriptors").Delete(&models.Identity{Model: gorm.Model{ID: identityID}})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIdentityNotFound
	}

	s.mu.Lock()
	s.snapshot = s.snapshot.without(identityID)
	s.mu.Unlock()

	log.WithField("identity_id", identityID).Info("Removed identity")
	return nil
}

// Get returns one enrolled identity with its descriptors preloaded.
func (s *Store) Get(identityID uint) (*models.Identity, error) {
	var identity models.Identity
	if err := s.db.Preload("Descriptors").First(&identity, identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

// Identities lists all enrolled identities with their descriptors preloaded.
func (s *Store) Identities() ([]models.Identity, error) {
	var identities []models.Identity
	if err := s.db.Preload("Descriptors").Order("created_at ASC").Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

// Reload rebuilds the snapshot from the database. Descriptors whose stored
// dimensionality does not match the configured embedding size are skipped and
// logged; they indicate an embedder version change without re-enrollment.
func (s *Store) Reload() error {
	identities, err := s.Identities()
	if err != nil {
		return fmt.Errorf("failed to load gallery: %w", err)
	}

	gallery := &Gallery{
		Dimensions:   s.dimensions,
		ModelVersion: s.modelVersion,
	}
	for _, identity := range identities {
		if identity.ModelVersion != s.modelVersion {
			log.WithFields(log.Fields{
				"identity_id": identity.ID,
				"enrolled":    identity.ModelVersion,
				"active":      s.modelVersion,
			}).Warn("Skipping identity enrolled with a different embedder model version")
			continue
		}
		for i := range identity.Descriptors {
			desc := &identity.Descriptors[i]
			vec, err := desc.Vector()
			if err != nil {
				log.WithError(err).Warnf("Skipping unreadable descriptor %d", desc.ID)
				continue
			}
			if len(vec) != s.dimensions {
				log.Warnf("Skipping descriptor %d: has %d dimensions, gallery expects %d",
					desc.ID, len(vec), s.dimensions)
				continue
			}
			gallery.Entries = append(gallery.Entries, Entry{
				IdentityID:   identity.ID,
				Name:         identity.Name,
				EnrolledAt:   identity.CreatedAt,
				DescriptorID: desc.ID,
				Vector:       vec,
			})
		}
	}

	s.mu.Lock()
	s.snapshot = gallery
	s.mu.Unlock()

	log.Infof("Gallery snapshot loaded: %d descriptors across %d identities",
		len(gallery.Entries), len(identities))
	return nil
}

func (s *Store) validate(vec []float32) error {
	if len(vec) != s.dimensions {
		return fmt.Errorf("%w: embedding has %d dimensions, gallery expects %d",
			ErrInvalidDescriptor, len(vec), s.dimensions)
	}
	return nil
}

// with returns a copy of the gallery extended by one entry.
func (g *Gallery) with(e Entry) *Gallery {
	next := &Gallery{
		Entries:      make([]Entry, 0, len(g.Entries)+1),
		Dimensions:   g.Dimensions,
		ModelVersion: g.ModelVersion,
	}
	next.Entries = append(next.Entries, g.Entries...)
	next.Entries = append(next.Entries, e)
	return next
}

// without returns a copy of the gallery with all entries of one identity removed.
func (g *Gallery) without(identityID uint) *Gallery {
	next := &Gallery{
		Entries:      make([]Entry, 0, len(g.Entries)),
		Dimensions:   g.Dimensions,
		ModelVersion: g.ModelVersion,
	}
	for _, e := range g.Entries {
		if e.IdentityID != identityID {
			next.Entries = append(next.Entries, e)
		}
	}
	return next
}
