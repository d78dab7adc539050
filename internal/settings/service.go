package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/policy"

	log "github.com/sirupsen/logrus"
)

// Service keeps a validated copy of the privacy configuration published by the
// settings collaborator. Reads are served from the cache and never block on
// the network; a fetch failure keeps the last-known-good value, and before the
// first successful fetch the safe defaults apply.
type Service struct {
	cfg    config.SettingsConfig
	client *http.Client

	mu      sync.RWMutex
	current policy.Configuration
	loaded  bool
	fetched time.Time
}

// NewService creates the settings service primed with safe defaults.
func NewService(cfg config.SettingsConfig) *Service {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		current: policy.SafeDefaults(),
	}
}

// Current returns the active configuration.
func (s *Service) Current() policy.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Loaded reports whether at least one collaborator fetch has succeeded.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// LastFetched returns the time of the last successful collaborator fetch.
func (s *Service) LastFetched() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetched
}

// Start refreshes the configuration once immediately and then periodically
// until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.URL == "" {
		log.Info("Settings collaborator not configured, using safe defaults")
		return
	}

	interval := time.Duration(s.cfg.RefreshSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	go func() {
		if err := s.Refresh(ctx); err != nil {
			log.WithError(err).Warn("Initial settings fetch failed, safe defaults remain active")
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					log.WithError(err).Warn("Settings refresh failed, keeping last known configuration")
				}
			}
		}
	}()
}

// Refresh fetches the collaborator payload and swaps in the coerced result.
// On any failure the cached configuration stays untouched.
func (s *Service) Refresh(ctx context.Context) error {
	raw, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	coerced := Coerce(raw)

	s.mu.Lock()
	s.current = coerced
	s.loaded = true
	s.fetched = time.Now()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"privacy_level":   coerced.PrivacyLevel,
		"auto_blur":       coerced.AutoBlur,
		"require_payment": coerced.RequirePayment,
		"pending":         coerced.Pending,
	}).Debug("Privacy configuration refreshed")
	return nil
}

// Push submits an updated configuration to the collaborator. On success the
// cache is updated immediately and marked pending until the next refresh
// confirms the value; the camera keeps running against it either way.
func (s *Service) Push(ctx context.Context, cfg policy.Configuration) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("settings collaborator not configured")
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create settings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("settings update failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("settings collaborator returned status %d", resp.StatusCode)
	}

	cfg.Pending = true

	s.mu.Lock()
	s.current = cfg
	s.loaded = true
	s.fetched = time.Now()
	s.mu.Unlock()

	return nil
}

func (s *Service) fetch(ctx context.Context) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(), nil)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to create settings request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("settings fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("settings collaborator returned status %d", resp.StatusCode)
	}

	var raw Payload
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("failed to decode settings payload: %w", err)
	}
	return raw, nil
}

func (s *Service) endpoint() string {
	return strings.TrimSuffix(s.cfg.URL, "/") + "/settings"
}

// Payload is the loose collaborator wire format. Field types are not trusted:
// numbers may arrive as strings, booleans as anything truthy-looking, and
// unknown values are coerced toward more privacy.
type Payload struct {
	AutoBlur          *bool           `json:"autoBlur"`
	RequirePayment    *bool           `json:"requirePayment"`
	Price             json.RawMessage `json:"price"`
	PrivacyLevel      string          `json:"privacyLevel"`
	AllowDataSharing  *bool           `json:"allowDataSharing"`
	DataRetentionDays json.RawMessage `json:"dataRetentionDays"`
	Pending           bool            `json:"pending"`
}

// Coerce validates a collaborator payload into a usable configuration.
// Missing booleans take the safe default for that field.
func Coerce(raw Payload) policy.Configuration {
	defaults := policy.SafeDefaults()

	cfg := policy.Configuration{
		AutoBlur:          defaults.AutoBlur,
		PrivacyLevel:      policy.CoercePrivacyLevel(raw.PrivacyLevel),
		Price:             policy.CoercePrice(rawScalar(raw.Price)),
		DataRetentionDays: policy.CoerceRetentionDays(rawScalar(raw.DataRetentionDays)),
		Pending:           raw.Pending,
	}
	if raw.AutoBlur != nil {
		cfg.AutoBlur = *raw.AutoBlur
	}
	if raw.RequirePayment != nil {
		cfg.RequirePayment = *raw.RequirePayment
	}
	if raw.AllowDataSharing != nil {
		cfg.AllowDataSharing = *raw.AllowDataSharing
	}
	return cfg
}

// rawScalar flattens a JSON scalar (string or number) to its text form.
func rawScalar(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(m, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
