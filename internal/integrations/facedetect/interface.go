package facedetect

import (
	"context"
	"image"
)

// ProviderType identifies a face detection capability.
type ProviderType string

const (
	// ProviderFaceAPI is the external detection+embedding service.
	ProviderFaceAPI ProviderType = "faceapi"

	// ProviderOpenCV is the local detect-only cascade prefilter.
	ProviderOpenCV ProviderType = "opencv"
)

// Box is a face bounding box in frame pixel coordinates. Ephemeral: produced
// fresh for every frame, never persisted.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Face is one detected face in a frame.
type Face struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	// Embedding is the fixed-length face descriptor, present only when the
	// provider extracts embeddings.
	Embedding []float32 `json:"embedding,omitempty"`
}

// DetectionRequest carries per-call detection parameters.
type DetectionRequest struct {
	ExtractEmbedding bool
	MinConfidence    float64
}

// DetectionResponse is the provider output for one frame.
type DetectionResponse struct {
	Faces         []Face  `json:"faces"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// Provider is a face detection capability the pipeline consumes. The model
// behind it is externally supplied and frozen; implementations only adapt its
// wire format.
type Provider interface {
	Name() ProviderType
	IsAvailable(ctx context.Context) bool
	DetectFaces(ctx context.Context, img image.Image, opts DetectionRequest) (*DetectionResponse, error)
}

// Manager keeps the registered providers and the active embedder.
type Manager struct {
	providers map[ProviderType]Provider
	active    ProviderType
}

// NewManager creates an empty provider manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[ProviderType]Provider)}
}

// Register adds a provider.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// SetActive selects the active embedding provider.
func (m *Manager) SetActive(t ProviderType) bool {
	if _, ok := m.providers[t]; ok {
		m.active = t
		return true
	}
	return false
}

// Active returns the active embedding provider.
func (m *Manager) Active() (Provider, bool) {
	if m.active == "" {
		return nil, false
	}
	p, ok := m.providers[m.active]
	return p, ok
}

// Get returns a provider by type.
func (m *Manager) Get(t ProviderType) (Provider, bool) {
	p, ok := m.providers[t]
	return p, ok
}

// Available lists the providers currently reachable.
func (m *Manager) Available(ctx context.Context) []ProviderType {
	var out []ProviderType
	for name, p := range m.providers {
		if p.IsAvailable(ctx) {
			out = append(out, name)
		}
	}
	return out
}
