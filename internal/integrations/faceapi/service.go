package faceapi

import (
	"context"
	"fmt"
	"image"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/integrations/facedetect"
)

// Service implements the facedetect.Provider interface for the external
// detection+embedding model service.
type Service struct {
	client *APIClient
	config config.DetectorConfig
}

// NewService creates a new detector service adapter.
func NewService(cfg config.DetectorConfig) *Service {
	return &Service{
		client: NewAPIClient(cfg),
		config: cfg,
	}
}

// Name returns the provider type.
func (s *Service) Name() facedetect.ProviderType {
	return facedetect.ProviderFaceAPI
}

// ModelVersion reports which embedder model the service runs. Descriptors are
// only comparable within a single model version.
func (s *Service) ModelVersion() string {
	return s.config.ModelVersion
}

// IsAvailable checks whether the detector service is reachable.
func (s *Service) IsAvailable(ctx context.Context) bool {
	available, _ := s.client.Ping(ctx)
	return available
}

// DetectFaces runs detection (and embedding extraction when requested) on one
// frame and converts the response into the generic provider format.
func (s *Service) DetectFaces(ctx context.Context, img image.Image, opts facedetect.DetectionRequest) (*facedetect.DetectionResponse, error) {
	startTime := time.Now()

	threshold := opts.MinConfidence
	if threshold == 0 {
		threshold = s.config.DetProbThreshold
	}

	apiResp, err := s.client.Detect(ctx, img, threshold, opts.ExtractEmbedding)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	result := &facedetect.DetectionResponse{
		Faces:         make([]facedetect.Face, len(apiResp.Faces)),
		ExecutionTime: time.Since(startTime).Seconds(),
	}

	for i, face := range apiResp.Faces {
		result.Faces[i] = facedetect.Face{
			Box: facedetect.Box{
				X:      face.Box.X,
				Y:      face.Box.Y,
				Width:  face.Box.Width,
				Height: face.Box.Height,
			},
			Confidence: face.Confidence,
			Embedding:  face.Descriptor,
		}
	}

	return result, nil
}
