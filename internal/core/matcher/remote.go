package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"privacycam-go/config"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "remote_verifier",
}

// RemoteVerifier delegates matching to an external check-face endpoint. It
// fulfils the same contract as the local matcher, with network failure mapped
// to "unknown" rather than an error: a dropped verification must never abort
// a detection cycle.
type RemoteVerifier struct {
	cfg        config.MatcherConfig
	httpClient *http.Client
}

type checkFaceRequest struct {
	FaceData []float32 `json:"faceData"`
}

type checkFaceResponse struct {
	Recognized bool   `json:"recognized"`
	Identity   string `json:"identity,omitempty"`
}

// NewRemoteVerifier creates a verifier client for the configured endpoint.
func NewRemoteVerifier(cfg config.MatcherConfig) *RemoteVerifier {
	return &RemoteVerifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RemoteTimeoutSeconds) * time.Second,
		},
	}
}

// Verify sends one descriptor to the verification endpoint. Any transport or
// protocol failure yields an unknown-face result.
func (v *RemoteVerifier) Verify(ctx context.Context, query []float32) Result {
	result, err := v.check(ctx, query)
	if err != nil {
		log.WithFields(logFields).WithError(err).Warn("Remote face verification failed, treating face as unknown")
		return Result{Basis: BasisRemoteError}
	}
	return result
}

func (v *RemoteVerifier) check(ctx context.Context, query []float32) (Result, error) {
	payload, err := json.Marshal(checkFaceRequest{FaceData: query})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	url := fmt.Sprintf("%s/check-face", v.cfg.RemoteURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("unexpected status %d from verification endpoint: %s", resp.StatusCode, string(body))
	}

	var decoded checkFaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("failed to decode verification response: %w", err)
	}

	return Result{
		Known: decoded.Recognized,
		Name:  decoded.Identity,
		Basis: BasisRemote,
	}, nil
}
