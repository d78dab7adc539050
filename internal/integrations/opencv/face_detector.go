package opencv

import (
	"context"
	"fmt"
	"image"
	"sync"

	"privacycam-go/config"
	"privacycam-go/internal/integrations/facedetect"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// FaceDetector runs a local Haar cascade over frames. It only produces
// bounding boxes, never embeddings: it serves as a cheap prefilter and as the
// face-count check during enrollment, the embedder service does the rest.
type FaceDetector struct {
	cfg        *config.OpenCVConfig
	classifier gocv.CascadeClassifier
	mu         sync.Mutex
	loaded     bool
}

// NewFaceDetector creates a detector and loads the cascade file.
func NewFaceDetector(cfg *config.OpenCVConfig) (*FaceDetector, error) {
	d := &FaceDetector{
		cfg:        cfg,
		classifier: gocv.NewCascadeClassifier(),
	}
	if !d.classifier.Load(cfg.CascadeFile) {
		d.classifier.Close()
		return nil, fmt.Errorf("failed to load cascade file %s", cfg.CascadeFile)
	}
	d.loaded = true
	log.Infof("Loaded OpenCV face cascade from %s", cfg.CascadeFile)
	return d, nil
}

// Name returns the provider type.
func (d *FaceDetector) Name() facedetect.ProviderType {
	return facedetect.ProviderOpenCV
}

// IsAvailable reports whether the cascade is loaded.
func (d *FaceDetector) IsAvailable(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// DetectFaces finds face bounding boxes in one frame. Embeddings are never
// extracted here regardless of opts.
func (d *FaceDetector) DetectFaces(ctx context.Context, img image.Image, opts facedetect.DetectionRequest) (*facedetect.DetectionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, fmt.Errorf("cascade classifier is not loaded")
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBToGray)

	rects := d.classifier.DetectMultiScaleWithParams(
		gray,
		d.cfg.ScaleFactor,
		d.cfg.MinNeighbors,
		0,
		image.Point{X: d.cfg.MinSizeWidth, Y: d.cfg.MinSizeHeight},
		image.Point{},
	)

	resp := &facedetect.DetectionResponse{
		Faces: make([]facedetect.Face, 0, len(rects)),
	}
	for _, r := range rects {
		resp.Faces = append(resp.Faces, facedetect.Face{
			Box: facedetect.Box{
				X:      r.Min.X,
				Y:      r.Min.Y,
				Width:  r.Dx(),
				Height: r.Dy(),
			},
			// Cascade detections carry no probability; report full confidence.
			Confidence: 1.0,
		})
	}

	log.Debugf("OpenCV prefilter found %d face(s)", len(resp.Faces))
	return resp, nil
}

// Close releases the classifier resources.
func (d *FaceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		d.loaded = false
		return d.classifier.Close()
	}
	return nil
}
