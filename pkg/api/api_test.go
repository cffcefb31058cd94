// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/attrib/pkg/analytics"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/identity"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/storage"
)

// testServer wires the full pipeline over the in-memory backend, so handler
// tests exercise the real engine and stores end to end.
func testServer(t *testing.T) (*gin.Engine, *storage.KV, *analytics.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kv := storage.NewKV(storage.NewMemory())
	t.Cleanup(func() { _ = kv.Close() })

	logger := log.NoOp()
	eng := engine.New(engine.Deps{
		Events:   kv,
		Identity: identity.NewResolver(kv, logger),
		Config:   kv,
		Sink:     kv,
		Logger:   logger,
	})

	tracker := analytics.NewTracker()
	srv := NewServer(Deps{
		Engine:      eng,
		Events:      kv,
		Conversions: kv,
		Results:     kv,
		Configs:     kv,
		Identities:  kv,
		Tracker:     tracker,
		Logger:      logger,
	})
	t.Cleanup(srv.Shutdown)

	return srv.Router(false), kv, tracker
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func captureEvent(t *testing.T, router *gin.Engine, visitor, source, ts string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/events", gin.H{
		"client_id":  "client-1",
		"visitor_id": visitor,
		"event_type": "page_view",
		"utm_source": source,
		"timestamp":  ts,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestCaptureEvent(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/events", gin.H{
		"client_id":  "client-1",
		"visitor_id": "vis-1",
		"event_type": "page_view",
		"utm_source": "google",
		"gclid":      "g-123",
	})
	require.Equal(http.StatusAccepted, w.Code)

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(resp.ID)
}

func TestCaptureEventValidation(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	// Missing required fields.
	w := doJSON(t, router, http.MethodPost, "/v1/events", gin.H{"client_id": "client-1"})
	require.Equal(http.StatusBadRequest, w.Code)

	// Unparsable timestamp.
	w = doJSON(t, router, http.MethodPost, "/v1/events", gin.H{
		"client_id":  "client-1",
		"visitor_id": "vis-1",
		"event_type": "page_view",
		"timestamp":  "yesterday",
	})
	require.Equal(http.StatusBadRequest, w.Code)
}

func TestCaptureConversionRunsAttribution(t *testing.T) {
	require := require.New(t)
	router, _, tracker := testServer(t)

	now := time.Now().UTC()
	captureEvent(t, router, "vis-1", "google", now.Add(-48*time.Hour).Format(time.RFC3339))
	captureEvent(t, router, "vis-1", "email", now.Add(-24*time.Hour).Format(time.RFC3339))

	w := doJSON(t, router, http.MethodPost, "/v1/conversions", gin.H{
		"client_id":       "client-1",
		"visitor_id":      "vis-1",
		"conversion_type": "purchase",
		"value":           100.0,
		"currency":        "USD",
	})
	require.Equal(http.StatusCreated, w.Code)

	var run engine.Run
	require.NoError(json.Unmarshal(w.Body.Bytes(), &run))
	// No stored settings for the client, so last_touch defaults apply.
	require.Equal(model.LastTouch, run.Model)
	require.Equal(2, run.TouchpointCount)
	require.Len(run.Results, 1)
	require.Equal("email", run.Results[0].Source)

	snap := tracker.Stats()
	require.Equal(uint64(1), snap.TotalConversions)
}

func TestCaptureConversionDirect(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/conversions", gin.H{
		"client_id":       "client-1",
		"visitor_id":      "vis-nobody",
		"conversion_type": "signup",
	})
	require.Equal(http.StatusCreated, w.Code)

	var run engine.Run
	require.NoError(json.Unmarshal(w.Body.Bytes(), &run))
	require.True(run.Direct)
	require.Len(run.Results, 1)
	require.Equal("direct", run.Results[0].Source)
	require.Nil(run.Results[0].AttributedEvent)
}

func TestResultsEndpoint(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	now := time.Now().UTC()
	captureEvent(t, router, "vis-1", "google", now.Add(-time.Hour).Format(time.RFC3339))

	w := doJSON(t, router, http.MethodPost, "/v1/conversions", gin.H{
		"client_id":       "client-1",
		"visitor_id":      "vis-1",
		"conversion_type": "purchase",
		"value":           50.0,
	})
	require.Equal(http.StatusCreated, w.Code)

	var run engine.Run
	require.NoError(json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/conversions/%s/results", run.ConversionID), nil)
	require.Equal(http.StatusOK, w.Code)

	var resp struct {
		ConversionID string            `json:"conversion_id"`
		Results      []json.RawMessage `json:"results"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(string(run.ConversionID), resp.ConversionID)
	require.Len(resp.Results, 1)
}

func TestResultsUnknownConversion(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodGet, "/v1/conversions/nope/results", nil)
	require.Equal(http.StatusNotFound, w.Code)
}

func TestListModels(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodGet, "/v1/models", nil)
	require.Equal(http.StatusOK, w.Code)

	var resp struct {
		Models []struct {
			Model string `json:"model"`
		} `json:"models"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(resp.Models, 6)
	require.Equal("first_touch", resp.Models[0].Model)
}

func TestSetModel(t *testing.T) {
	require := require.New(t)
	router, kv, _ := testServer(t)

	w := doJSON(t, router, http.MethodPut, "/v1/clients/client-1/model", gin.H{
		"model":                "time_decay",
		"lookback_window_days": 45,
		"time_decay":           gin.H{"decay_base": 0.5},
	})
	require.Equal(http.StatusOK, w.Code)

	settings, err := kv.ModelSettings(context.Background(), "client-1")
	require.NoError(err)
	require.Equal(model.TimeDecay, settings.Model)
	require.Equal(45, settings.LookbackWindowDays)
}

func TestSetModelUnknown(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodPut, "/v1/clients/client-1/model", gin.H{
		"model":                "bayesian",
		"lookback_window_days": 30,
	})
	require.Equal(http.StatusNotFound, w.Code)
}

func TestSetModelInvalidSettings(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodPut, "/v1/clients/client-1/model", gin.H{
		"model":                "linear",
		"lookback_window_days": 500,
	})
	require.Equal(http.StatusBadRequest, w.Code)
}

func TestConfiguredModelDrivesAttribution(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	w := doJSON(t, router, http.MethodPut, "/v1/clients/client-1/model", gin.H{
		"model":                "linear",
		"lookback_window_days": 30,
	})
	require.Equal(http.StatusOK, w.Code)

	now := time.Now().UTC()
	captureEvent(t, router, "vis-1", "google", now.Add(-2*time.Hour).Format(time.RFC3339))
	captureEvent(t, router, "vis-1", "email", now.Add(-time.Hour).Format(time.RFC3339))

	w = doJSON(t, router, http.MethodPost, "/v1/conversions", gin.H{
		"client_id":       "client-1",
		"visitor_id":      "vis-1",
		"conversion_type": "purchase",
		"value":           100.0,
	})
	require.Equal(http.StatusCreated, w.Code)

	var run engine.Run
	require.NoError(json.Unmarshal(w.Body.Bytes(), &run))
	require.Equal(model.Linear, run.Model)
	require.Len(run.Results, 2)
	require.InDelta(0.5, run.Results[0].Weight, 1e-9)
}

func TestIdentityStitchingAcrossDevices(t *testing.T) {
	require := require.New(t)
	router, _, _ := testServer(t)

	now := time.Now().UTC()

	// Phone visit carries a campaign click and a signup email.
	w := doJSON(t, router, http.MethodPost, "/v1/events", gin.H{
		"client_id":  "client-1",
		"visitor_id": "vis-phone",
		"event_type": "form_submit",
		"utm_source": "google",
		"email":      "alice@example.com",
		"timestamp":  now.Add(-24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(http.StatusAccepted, w.Code)

	// Laptop converts later with the same email.
	w = doJSON(t, router, http.MethodPost, "/v1/conversions", gin.H{
		"client_id":       "client-1",
		"visitor_id":      "vis-laptop",
		"conversion_type": "purchase",
		"email":           "alice@example.com",
		"value":           80.0,
	})
	require.Equal(http.StatusCreated, w.Code)

	var run engine.Run
	require.NoError(json.Unmarshal(w.Body.Bytes(), &run))
	require.False(run.Direct)
	require.Equal(1, run.TouchpointCount)
	require.Equal("google", run.Results[0].Source)
}
