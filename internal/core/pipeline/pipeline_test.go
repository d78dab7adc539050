package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/matcher"
	"privacycam-go/internal/core/models"
	"privacycam-go/internal/core/policy"
	"privacycam-go/internal/core/store"
	"privacycam-go/internal/integrations/facedetect"
	"privacycam-go/internal/server/sse"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testDims = 4

type fakeResult struct {
	resp *facedetect.DetectionResponse
	err  error
}

// fakeProvider serves scripted detection results. When gate is set every call
// blocks until released; started signals that a call is in flight.
type fakeProvider struct {
	available bool
	started   chan struct{}
	gate      chan struct{}

	mu    sync.Mutex
	queue []fakeResult
}

func (p *fakeProvider) Name() facedetect.ProviderType { return facedetect.ProviderFaceAPI }

func (p *fakeProvider) IsAvailable(ctx context.Context) bool { return p.available }

func (p *fakeProvider) DetectFaces(ctx context.Context, _ image.Image, _ facedetect.DetectionRequest) (*facedetect.DetectionResponse, error) {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return &facedetect.DetectionResponse{}, nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next.resp, next.err
}

func (p *fakeProvider) push(r fakeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, r)
}

type captureEmitter struct {
	ch chan sse.FrameDecisionData
}

func (e *captureEmitter) BroadcastFrameDecisions(d sse.FrameDecisionData) {
	e.ch <- d
}

type staticSettings struct {
	cfg policy.Configuration
}

func (s *staticSettings) Current() policy.Configuration { return s.cfg }

type paidSet map[string]bool

func (p paidSet) IsPaid(captureID string) bool { return p[captureID] }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Identity{}, &models.Descriptor{}, &models.Capture{}))
	s, err := store.New(db, testDims, "test-model")
	require.NoError(t, err)
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Detector: config.DetectorConfig{DetProbThreshold: 0.5},
		Matcher: config.MatcherConfig{
			Threshold:         0.6,
			Epsilon:           1e-6,
			EmbeddingSize:     testDims,
			ANNMinDescriptors: 512,
			Backend:           "local",
		},
	}
}

func face(embedding ...float32) facedetect.Face {
	return facedetect.Face{
		Box:        facedetect.Box{X: 10, Y: 10, Width: 50, Height: 50},
		Confidence: 0.99,
		Embedding:  embedding,
	}
}

func faces(fs ...facedetect.Face) fakeResult {
	return fakeResult{resp: &facedetect.DetectionResponse{Faces: fs}}
}

type testEnv struct {
	session  *Session
	provider *fakeProvider
	store    *store.Store
	emitted  chan sse.FrameDecisionData
	settings *staticSettings
	paid     paidSet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	provider := &fakeProvider{available: true}
	st := testStore(t)
	emitter := &captureEmitter{ch: make(chan sse.FrameDecisionData, 16)}
	settings := &staticSettings{cfg: policy.Configuration{PrivacyLevel: policy.PrivacyLevelLow}}
	paid := paidSet{}

	session := NewSession(cfg, provider, nil, st, matcher.New(cfg.Matcher), nil, settings, paid, emitter)
	return &testEnv{
		session:  session,
		provider: provider,
		store:    st,
		emitted:  emitter.ch,
		settings: settings,
		paid:     paid,
	}
}

func TestOpenFailsWhenModelUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.available = false

	err := env.session.Open(context.Background())
	require.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, StateError, env.session.State())
	assert.Error(t, env.session.LastError())

	// A later Open may succeed once the model becomes reachable.
	env.provider.available = true
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()
	assert.Equal(t, StateReady, env.session.State())
}

func TestEnrollRequiresOpenSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.session.EnrollFromFrame(context.Background(), "0xabc", "alice", nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestEnrollRequiresPrincipal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	_, err := env.session.EnrollFromFrame(context.Background(), "", "alice", nil)
	assert.ErrorIs(t, err, ErrNoPrincipal)
}

func TestEnrollExactlyOneFace(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	ctx := context.Background()

	env.provider.push(faces())
	_, err := env.session.EnrollFromFrame(ctx, "0xabc", "alice", nil)
	assert.ErrorIs(t, err, ErrNoFaceDetected)

	env.provider.push(faces(face(1, 0, 0, 0), face(0, 1, 0, 0)))
	_, err = env.session.EnrollFromFrame(ctx, "0xabc", "alice", nil)
	assert.ErrorIs(t, err, ErrMultipleFacesDetected)

	// Nothing was persisted by the rejected frames.
	assert.Empty(t, env.store.Snapshot().Entries)

	env.provider.push(faces(face(1, 0, 0, 0)))
	id, err := env.session.EnrollFromFrame(ctx, "0xabc", "alice", nil)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, env.store.Snapshot().Entries, 1)
}

func TestProcessFrameMatchesEnrolledFace(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	ctx := context.Background()
	env.provider.push(faces(face(1, 0, 0, 0)))
	_, err := env.session.EnrollFromFrame(ctx, "0xabc", "alice", nil)
	require.NoError(t, err)

	env.provider.push(faces(face(1, 0, 0, 0), face(0, 0, 1, 0)))
	decisions, err := env.session.ProcessFrame(ctx, Frame{})
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	assert.True(t, decisions[0].Known)
	assert.Equal(t, "alice", decisions[0].Identity)
	assert.Equal(t, policy.DecisionAllow, decisions[0].Decision)

	assert.False(t, decisions[1].Known)
	assert.Equal(t, policy.DecisionAllow, decisions[1].Decision)
}

func TestProcessFrameBlursUnknownOnHighPrivacy(t *testing.T) {
	env := newTestEnv(t)
	env.settings.cfg = policy.Configuration{PrivacyLevel: policy.PrivacyLevelHigh}
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	env.provider.push(faces(face(0, 0, 1, 0)))
	decisions, err := env.session.ProcessFrame(context.Background(), Frame{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, policy.DecisionBlur, decisions[0].Decision)
}

func TestProcessFramePaymentGating(t *testing.T) {
	env := newTestEnv(t)
	env.settings.cfg = policy.Configuration{PrivacyLevel: policy.PrivacyLevelLow, RequirePayment: true}
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	ctx := context.Background()
	env.provider.push(faces(face(1, 0, 0, 0)))
	_, err := env.session.EnrollFromFrame(ctx, "0xabc", "alice", nil)
	require.NoError(t, err)

	env.provider.push(faces(face(1, 0, 0, 0)))
	decisions, err := env.session.ProcessFrame(ctx, Frame{CaptureID: "cap-1"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, policy.DecisionGatePayment, decisions[0].Decision)

	env.paid["cap-1"] = true
	env.provider.push(faces(face(1, 0, 0, 0)))
	decisions, err = env.session.ProcessFrame(ctx, Frame{CaptureID: "cap-1"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, policy.DecisionAllow, decisions[0].Decision)
}

func TestSubmitLatestFrameWins(t *testing.T) {
	env := newTestEnv(t)
	env.provider.started = make(chan struct{}, 4)
	env.provider.gate = make(chan struct{})
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	env.provider.push(faces(face(1, 0, 0, 0)))
	env.provider.push(faces(face(1, 0, 0, 0)))

	env.session.Submit(Frame{CaptureID: "a"})
	<-env.provider.started // frame a is in flight

	env.session.Submit(Frame{CaptureID: "b"})
	env.session.Submit(Frame{CaptureID: "c"}) // replaces b in the mailbox

	env.provider.gate <- struct{}{} // finish a
	first := <-env.emitted
	assert.Equal(t, "a", first.CaptureID)

	<-env.provider.started
	env.provider.gate <- struct{}{} // finish c
	second := <-env.emitted
	assert.Equal(t, "c", second.CaptureID)

	// Frame b was dropped, nothing else arrives.
	select {
	case data := <-env.emitted:
		t.Fatalf("unexpected emission for capture %q", data.CaptureID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransientFailureSkipsFrame(t *testing.T) {
	env := newTestEnv(t)
	env.provider.started = make(chan struct{}, 2)
	require.NoError(t, env.session.Open(context.Background()))
	defer env.session.Close()

	env.provider.push(fakeResult{err: errors.New("inference timeout")})
	env.provider.push(faces(face(0, 1, 0, 0)))

	env.session.Submit(Frame{CaptureID: "failing"})
	<-env.provider.started

	env.session.Submit(Frame{CaptureID: "good"})
	<-env.provider.started

	data := <-env.emitted
	assert.Equal(t, "good", data.CaptureID)

	// A transient failure never escalates to the error state.
	assert.Equal(t, StateDetecting, env.session.State())
}

func TestProcessFrameDiscardsResultAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.provider.started = make(chan struct{}, 1)
	env.provider.gate = make(chan struct{})
	require.NoError(t, env.session.Open(context.Background()))

	env.provider.push(faces(face(1, 0, 0, 0)))

	errCh := make(chan error, 1)
	go func() {
		_, err := env.session.ProcessFrame(context.Background(), Frame{CaptureID: "late"})
		errCh <- err
	}()
	<-env.provider.started // inference is in flight

	env.session.Close()
	env.provider.gate <- struct{}{} // let the stale inference finish

	assert.ErrorIs(t, <-errCh, ErrSessionClosed)

	select {
	case data := <-env.emitted:
		t.Fatalf("decision emitted after close for capture %q", data.CaptureID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	env := newTestEnv(t)
	env.provider.started = make(chan struct{}, 1)
	env.provider.gate = make(chan struct{})
	require.NoError(t, env.session.Open(context.Background()))

	env.provider.push(faces(face(1, 0, 0, 0)))
	env.session.Submit(Frame{CaptureID: "late"})
	<-env.provider.started

	closed := make(chan struct{})
	go func() {
		env.session.Close()
		close(closed)
	}()

	env.provider.gate <- struct{}{} // let the stale inference finish
	<-closed

	select {
	case data := <-env.emitted:
		t.Fatalf("result emitted after close for capture %q", data.CaptureID)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateIdle, env.session.State())
}
