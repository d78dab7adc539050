package settings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"privacycam-go/config"
	"privacycam-go/internal/core/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serviceFor(url string) *Service {
	return NewService(config.SettingsConfig{URL: url, TimeoutSeconds: 2})
}

func TestDefaultsBeforeFirstFetch(t *testing.T) {
	s := serviceFor("http://127.0.0.1:0")

	cfg := s.Current()
	assert.False(t, s.Loaded())
	assert.True(t, cfg.AutoBlur)
	assert.Equal(t, policy.PrivacyLevelHigh, cfg.PrivacyLevel)
}

func TestRefreshCoercesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settings", r.URL.Path)
		// Numbers arrive as strings and vice versa; the service must not care.
		w.Write([]byte(`{
			"autoBlur": false,
			"requirePayment": true,
			"price": 0.25,
			"privacyLevel": "Medium",
			"dataRetentionDays": "90"
		}`))
	}))
	defer srv.Close()

	s := serviceFor(srv.URL)
	require.NoError(t, s.Refresh(context.Background()))
	require.True(t, s.Loaded())

	cfg := s.Current()
	assert.False(t, cfg.AutoBlur)
	assert.True(t, cfg.RequirePayment)
	assert.Equal(t, "0.25", cfg.Price)
	assert.Equal(t, policy.PrivacyLevelMedium, cfg.PrivacyLevel)
	assert.Equal(t, 90, cfg.DataRetentionDays)
}

func TestRefreshFailureKeepsLastKnownGood(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"autoBlur": false, "privacyLevel": "low"}`))
	}))
	defer srv.Close()

	s := serviceFor(srv.URL)
	require.NoError(t, s.Refresh(context.Background()))
	require.Equal(t, policy.PrivacyLevelLow, s.Current().PrivacyLevel)

	fail.Store(true)
	assert.Error(t, s.Refresh(context.Background()))

	// The last good configuration stays active through the outage.
	assert.Equal(t, policy.PrivacyLevelLow, s.Current().PrivacyLevel)
	assert.False(t, s.Current().AutoBlur)
}

func TestPushMarksPending(t *testing.T) {
	var received policy.Configuration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := serviceFor(srv.URL)
	cfg := policy.SafeDefaults()
	cfg.RequirePayment = true
	cfg.Price = "0.5"

	require.NoError(t, s.Push(context.Background(), cfg))
	assert.True(t, received.RequirePayment)

	current := s.Current()
	assert.True(t, current.Pending)
	assert.True(t, current.RequirePayment)
	assert.Equal(t, "0.5", current.Price)
}

func TestPushFailureLeavesCacheUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := serviceFor(srv.URL)
	before := s.Current()

	cfg := before
	cfg.AutoBlur = false
	assert.Error(t, s.Push(context.Background(), cfg))
	assert.Equal(t, before, s.Current())
}

func TestCoerceHostileValues(t *testing.T) {
	cfg := Coerce(Payload{
		PrivacyLevel:      "invisible",
		Price:             json.RawMessage(`"-3"`),
		DataRetentionDays: json.RawMessage(`"forever"`),
	})

	assert.Equal(t, policy.PrivacyLevelHigh, cfg.PrivacyLevel)
	assert.Equal(t, "", cfg.Price)
	assert.Equal(t, policy.DefaultRetentionDays, cfg.DataRetentionDays)
	assert.True(t, cfg.AutoBlur)
	assert.False(t, cfg.RequirePayment)
}
