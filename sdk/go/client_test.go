package attribsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCaptureEvent(t *testing.T) {
	require := require.New(t)

	var captured Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		require.Equal("/v1/events", r.URL.Path)
		require.NoError(json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": "evt-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	id, err := client.CaptureEvent(context.Background(), Event{
		ClientID:  "acme",
		VisitorID: "vis-1",
		EventType: "page_view",
		UTMSource: "google",
		GCLID:     "g-123",
	})
	require.NoError(err)
	require.Equal("evt-1", id)
	require.Equal("acme", captured.ClientID)
	require.Equal("g-123", captured.GCLID)
}

func TestCaptureConversion(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/v1/conversions", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Run{
			ConversionID:    "conv-1",
			Model:           "linear",
			TouchpointCount: 2,
			Results: []Result{
				{ConversionID: "conv-1", Source: "google", Weight: 0.5, Credit: decimal.RequireFromString("74.995")},
				{ConversionID: "conv-1", Source: "email", Weight: 0.5, Credit: decimal.RequireFromString("74.995")},
			},
		})
	}))
	defer srv.Close()

	value := 149.99
	client := NewClient(srv.URL)
	run, err := client.CaptureConversion(context.Background(), Conversion{
		ClientID:       "acme",
		VisitorID:      "vis-1",
		ConversionType: "purchase",
		Value:          &value,
	})
	require.NoError(err)
	require.Equal("conv-1", run.ConversionID)
	require.Len(run.Results, 2)
	require.True(run.Results[0].Credit.Equal(decimal.RequireFromString("74.995")))
}

func TestResults(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/v1/conversions/conv-1/results", r.URL.Path)
		json.NewEncoder(w).Encode(map[string][]Result{
			"results": {{ConversionID: "conv-1", Source: "direct", Weight: 1.0}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	results, err := client.Results(context.Background(), "conv-1")
	require.NoError(err)
	require.Len(results, 1)
	require.Equal("direct", results[0].Source)
}

func TestSetModel(t *testing.T) {
	require := require.New(t)

	var captured ModelSettings
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPut, r.Method)
		require.Equal("/v1/clients/acme/model", r.URL.Path)
		require.NoError(json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.SetModel(context.Background(), "acme", ModelSettings{
		Model:              "time_decay",
		LookbackWindowDays: 14,
		TimeDecay:          &TimeDecay{DecayBase: 0.5},
	})
	require.NoError(err)
	require.Equal("time_decay", captured.Model)
	require.Equal(0.5, captured.TimeDecay.DecayBase)
}

func TestUnexpectedStatus(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.CaptureEvent(context.Background(), Event{})
	require.Error(err)

	_, err = client.Results(context.Background(), "conv-1")
	require.Error(err)
}
