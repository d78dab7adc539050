package models

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Identity represents an enrolled person in the gallery.
type Identity struct {
	gorm.Model
	Name string `gorm:"index"` // optional display name, may be empty
	// Owner is the wallet principal that enrolled the identity.
	Owner string `gorm:"index"`
	// ModelVersion records which embedder produced the descriptors. Descriptors
	// from a different model version must never be mixed into the same gallery.
	ModelVersion string       `gorm:"index;not null"`
	Descriptors  []Descriptor `gorm:"foreignKey:IdentityID;constraint:OnDelete:CASCADE;"`
}

// Descriptor is a single face embedding belonging to an Identity. Immutable
// once written; identities only gain descriptors or get removed entirely.
type Descriptor struct {
	gorm.Model
	IdentityID uint           `gorm:"index;not null"`
	Dimensions int            `gorm:"not null"`
	Embedding  datatypes.JSON `gorm:"type:json"` // JSON-encoded []float32
}

// NewDescriptor builds a Descriptor row from a raw embedding vector.
func NewDescriptor(identityID uint, vec []float32) (Descriptor, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to encode embedding: %w", err)
	}
	return Descriptor{
		IdentityID: identityID,
		Dimensions: len(vec),
		Embedding:  datatypes.JSON(data),
	}, nil
}

// Vector decodes the stored embedding.
func (d *Descriptor) Vector() ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(d.Embedding, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode embedding for descriptor %d: %w", d.ID, err)
	}
	return vec, nil
}

// Capture represents one photo/video capture event. Payment gating is decided
// once per capture, not per face; retention cleanup prunes old rows.
type Capture struct {
	gorm.Model
	CaptureID string `gorm:"uniqueIndex;not null"` // external UUID handle
	Owner     string `gorm:"index"`
	Kind      string `gorm:"index"` // "photo" or "video"
	Paid      bool
	FilePath  string
}
