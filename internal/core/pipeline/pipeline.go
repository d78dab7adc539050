package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/matcher"
	"privacycam-go/internal/core/policy"
	"privacycam-go/internal/core/store"
	"privacycam-go/internal/integrations/facedetect"
	"privacycam-go/internal/server/sse"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the camera session lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateModelLoading State = "model_loading"
	StateReady        State = "ready"
	StateDetecting    State = "detecting"
	StateError        State = "error"
)

var (
	// ErrModelUnavailable is fatal to the session; the camera must be reopened.
	ErrModelUnavailable = errors.New("detection model unavailable")

	// ErrNoFaceDetected rejects an enrollment frame without a usable face.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrMultipleFacesDetected rejects an ambiguous enrollment frame. An
	// ambiguous frame is refused, never guessed at.
	ErrMultipleFacesDetected = errors.New("multiple faces detected")

	// ErrSessionNotReady is returned for operations requiring an open session.
	ErrSessionNotReady = errors.New("camera session is not ready")

	// ErrSessionClosed is returned when the session was closed mid-operation.
	ErrSessionClosed = errors.New("camera session closed")

	// ErrNoPrincipal is the precondition failure for unauthenticated enrollment.
	ErrNoPrincipal = errors.New("no authenticated principal")
)

// Frame is one camera frame submitted for a detection cycle.
type Frame struct {
	Image     image.Image
	CaptureID string
	Received  time.Time
}

// SettingsSource supplies the active privacy configuration. Reads never block;
// a pending on-chain update is served as the last-known-good value.
type SettingsSource interface {
	Current() policy.Configuration
}

// PaymentSource answers whether a capture event has been confirmed paid.
type PaymentSource interface {
	IsPaid(captureID string) bool
}

// Emitter receives the per-frame decision list. Satisfied by the SSE hub.
type Emitter interface {
	BroadcastFrameDecisions(data sse.FrameDecisionData)
}

// Session orchestrates detect -> match -> decide for one camera session.
// A single consumer drains the frame mailbox: one detection cycle completes
// before the next starts, and a newer frame replaces an unprocessed older one
// (latest-frame-wins, never queued).
type Session struct {
	cfg       *config.Config
	provider  facedetect.Provider
	prefilter facedetect.Provider // optional detect-only prefilter
	store     *store.Store
	matcher   *matcher.Matcher
	remote    *matcher.RemoteVerifier // used when matcher backend is "remote"
	settings  SettingsSource
	payments  PaymentSource
	emitter   Emitter

	id     string
	seq    atomic.Uint64
	frames chan Frame

	// cycleMu serializes detection cycles and enrollment: an enrollment
	// briefly pauses detection so it never scans a gallery mid-write.
	cycleMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession wires a session from its collaborators. The session starts Idle.
func NewSession(cfg *config.Config, provider, prefilter facedetect.Provider, st *store.Store, m *matcher.Matcher, remote *matcher.RemoteVerifier, settings SettingsSource, payments PaymentSource, emitter Emitter) *Session {
	return &Session{
		cfg:       cfg,
		provider:  provider,
		prefilter: prefilter,
		store:     st,
		matcher:   m,
		remote:    remote,
		settings:  settings,
		payments:  payments,
		emitter:   emitter,
		id:        uuid.NewString(),
		frames:    make(chan Frame, 1),
		state:     StateIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that moved the session into StateError, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Open loads the model capability and starts the detection loop. A failed
// model load leaves the session in StateError until Open is called again.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateError {
		s.mu.Unlock()
		return fmt.Errorf("cannot open session in state %s", s.state)
	}
	s.state = StateModelLoading
	s.lastErr = nil
	s.mu.Unlock()

	log.WithField("session_id", s.id).Info("Opening camera session, checking detector availability")

	if !s.provider.IsAvailable(ctx) {
		err := fmt.Errorf("%w: provider %s not reachable", ErrModelUnavailable, s.provider.Name())
		s.mu.Lock()
		s.state = StateError
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateReady
	s.mu.Unlock()

	go s.run(runCtx)

	log.WithField("session_id", s.id).Info("Camera session ready")
	return nil
}

// Close stops the detection loop. Results of an in-flight inference are
// discarded; nothing is emitted after closure.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	if s.state != StateError {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	log.WithField("session_id", s.id).Info("Camera session closed")
}

// Submit hands a frame to the detection loop. If a frame is already pending
// it is replaced: under slow inference frames are dropped, never queued.
func (s *Session) Submit(frame Frame) {
	switch s.State() {
	case StateReady, StateDetecting:
	default:
		return
	}

	if frame.Received.IsZero() {
		frame.Received = time.Now()
	}

	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		// Mailbox full: discard the stale frame and retry.
		select {
		case stale := <-s.frames:
			log.Debugf("Dropping stale frame from %s (latest-frame-wins)", stale.Received)
		default:
		}
	}
}

// run is the single consumer of the frame mailbox.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.frames:
			s.setState(StateDetecting)

			data, err := s.processCycle(ctx, frame)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				// Transient per-frame failure: skip and retry on the next cycle.
				log.WithError(err).Warn("Detection cycle failed, skipping frame")
				continue
			}

			// A result that arrives after cancellation is discarded, not applied.
			if ctx.Err() != nil {
				log.Debug("Discarding detection result produced after session closure")
				return
			}

			s.emitter.BroadcastFrameDecisions(data)
		}
	}
}

// ProcessFrame runs one synchronous detection cycle and returns the decision
// list. Used by the HTTP frame endpoint; the live loop goes through Submit.
func (s *Session) ProcessFrame(ctx context.Context, frame Frame) ([]sse.FaceDecision, error) {
	switch s.State() {
	case StateReady, StateDetecting:
	default:
		return nil, ErrSessionNotReady
	}

	data, err := s.processCycle(ctx, frame)
	if err != nil {
		return nil, err
	}

	// The session may have closed while inference was in flight; a late
	// result is discarded, never emitted.
	switch s.State() {
	case StateReady, StateDetecting:
	default:
		return nil, ErrSessionClosed
	}

	s.emitter.BroadcastFrameDecisions(data)
	return data.Faces, nil
}

// processCycle executes detect -> match -> decide for one frame.
func (s *Session) processCycle(ctx context.Context, frame Frame) (sse.FrameDecisionData, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	resp, err := s.provider.DetectFaces(ctx, frame.Image, facedetect.DetectionRequest{
		ExtractEmbedding: true,
		MinConfidence:    s.cfg.Detector.DetProbThreshold,
	})
	if err != nil {
		return sse.FrameDecisionData{}, fmt.Errorf("detector failed: %w", err)
	}

	cfg := s.settings.Current()

	// Payment gating is decided once per capture event, not per face. A frame
	// without a capture context counts as unpaid; gating fails closed.
	capturePaid := frame.CaptureID != "" && s.payments != nil && s.payments.IsPaid(frame.CaptureID)

	gallery := s.store.Snapshot()
	threshold := s.matcher.Threshold()

	faces := make([]sse.FaceDecision, 0, len(resp.Faces))
	for _, face := range resp.Faces {
		result := s.matchFace(ctx, gallery, face, threshold)
		faces = append(faces, sse.FaceDecision{
			Box:      face.Box,
			Identity: result.Name,
			Known:    result.Known,
			Score:    result.Distance,
			Basis:    result.Basis,
			Decision: policy.Decide(result, cfg, capturePaid),
		})
	}

	return sse.FrameDecisionData{
		SessionID: s.id,
		CaptureID: frame.CaptureID,
		FrameSeq:  s.seq.Add(1),
		Timestamp: frame.Received,
		Faces:     faces,
	}, nil
}

// matchFace resolves one detected face against the configured backend. A face
// without an embedding is unknown; a remote verification failure is unknown.
func (s *Session) matchFace(ctx context.Context, gallery *store.Gallery, face facedetect.Face, threshold float64) matcher.Result {
	if len(face.Embedding) == 0 {
		return matcher.Result{Basis: matcher.BasisLocal}
	}
	if s.cfg.Matcher.Backend == "remote" && s.remote != nil {
		return s.remote.Verify(ctx, face.Embedding)
	}
	return s.matcher.Match(gallery, face.Embedding, threshold)
}

// EnrollFromFrame captures a single-face frame as a new identity. Available
// only while Ready/Detecting; it pauses the detection loop for its duration
// so the matcher never scans a gallery mid-write.
func (s *Session) EnrollFromFrame(ctx context.Context, owner, name string, img image.Image) (uint, error) {
	if owner == "" {
		return 0, ErrNoPrincipal
	}
	switch s.State() {
	case StateReady, StateDetecting:
	default:
		return 0, ErrSessionNotReady
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if ctx.Err() != nil {
		return 0, ErrSessionClosed
	}

	// Cheap local precheck when the prefilter is enabled: refuse frames the
	// cascade already sees as empty or ambiguous before paying for inference.
	if s.prefilter != nil && s.prefilter.IsAvailable(ctx) {
		pre, err := s.prefilter.DetectFaces(ctx, img, facedetect.DetectionRequest{})
		if err == nil {
			if len(pre.Faces) == 0 {
				return 0, ErrNoFaceDetected
			}
			if len(pre.Faces) > 1 {
				return 0, ErrMultipleFacesDetected
			}
		}
	}

	resp, err := s.provider.DetectFaces(ctx, img, facedetect.DetectionRequest{
		ExtractEmbedding: true,
		MinConfidence:    s.cfg.Detector.DetProbThreshold,
	})
	if err != nil {
		return 0, fmt.Errorf("enrollment detection failed: %w", err)
	}

	switch {
	case len(resp.Faces) == 0:
		return 0, ErrNoFaceDetected
	case len(resp.Faces) > 1:
		return 0, ErrMultipleFacesDetected
	}

	embedding := resp.Faces[0].Embedding
	if len(embedding) == 0 {
		return 0, fmt.Errorf("detector returned no descriptor for enrollment frame")
	}

	identity, err := s.store.Enroll(owner, name, embedding)
	if err != nil {
		return 0, err
	}
	return identity.ID, nil
}

// AppendFromFrame adds one more capture of an already enrolled person.
func (s *Session) AppendFromFrame(ctx context.Context, identityID uint, img image.Image) error {
	switch s.State() {
	case StateReady, StateDetecting:
	default:
		return ErrSessionNotReady
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	resp, err := s.provider.DetectFaces(ctx, img, facedetect.DetectionRequest{
		ExtractEmbedding: true,
		MinConfidence:    s.cfg.Detector.DetProbThreshold,
	})
	if err != nil {
		return fmt.Errorf("enrollment detection failed: %w", err)
	}

	switch {
	case len(resp.Faces) == 0:
		return ErrNoFaceDetected
	case len(resp.Faces) > 1:
		return ErrMultipleFacesDetected
	}

	return s.store.Append(identityID, resp.Faces[0].Embedding)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != state && s.state != StateError {
		s.state = state
	}
	s.mu.Unlock()
}
