// Package attribsdk is the Go client for the attrib capture and reporting
// API. It covers event and conversion capture, result lookups, model
// configuration, and the live results websocket feed.
package attribsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Client talks to one attribd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	wsConn     *websocket.Conn
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Event is the tracker event capture payload.
type Event struct {
	ClientID  string `json:"client_id"`
	VisitorID string `json:"visitor_id"`
	EventType string `json:"event_type"`
	PageURL   string `json:"page_url,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Email     string `json:"email,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`

	GCLID   string `json:"gclid,omitempty"`
	FBCLID  string `json:"fbclid,omitempty"`
	TTCLID  string `json:"ttclid,omitempty"`
	MSCLKID string `json:"msclkid,omitempty"`
}

// Conversion is the conversion capture payload.
type Conversion struct {
	ClientID       string   `json:"client_id"`
	VisitorID      string   `json:"visitor_id"`
	ConversionType string   `json:"conversion_type"`
	Email          string   `json:"email,omitempty"`
	EmailHash      string   `json:"email_hash,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
}

// Result is one attribution credit row as returned by the API.
type Result struct {
	ConversionID     string          `json:"conversion_id"`
	VisitorID        string          `json:"visitor_id"`
	AttributedEvent  *string         `json:"attributed_event_id"`
	AttributionModel string          `json:"attribution_model"`
	Weight           float64         `json:"attribution_weight"`
	Source           string          `json:"source"`
	Medium           string          `json:"medium,omitempty"`
	Campaign         string          `json:"campaign,omitempty"`
	AdID             string          `json:"ad_id,omitempty"`
	Credit           decimal.Decimal `json:"credit"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Run is the attribution run summary returned on conversion capture and on
// the websocket feed.
type Run struct {
	ConversionID    string   `json:"conversion_id"`
	Model           string   `json:"model"`
	FallbackApplied bool     `json:"fallback_applied,omitempty"`
	TouchpointCount int      `json:"touchpoint_count"`
	DroppedCount    int      `json:"dropped_count,omitempty"`
	Direct          bool     `json:"direct"`
	Results         []Result `json:"results"`
}

// ModelSettings mirrors the server's model configuration payload.
type ModelSettings struct {
	Model              string         `json:"model"`
	LookbackWindowDays int            `json:"lookback_window_days"`
	MinTouchesRequired int            `json:"min_touches_required,omitempty"`
	TimeDecay          *TimeDecay     `json:"time_decay,omitempty"`
	PositionBased      *PositionBased `json:"position_based,omitempty"`
	Custom             *CustomWeights `json:"custom,omitempty"`
}

// TimeDecay holds the time_decay model knobs.
type TimeDecay struct {
	DecayBase float64 `json:"decay_base"`
}

// PositionBased holds the position_based role weights.
type PositionBased struct {
	FirstTouchWeight  float64 `json:"first_touch_weight"`
	LastTouchWeight   float64 `json:"last_touch_weight"`
	MiddleTouchWeight float64 `json:"middle_touch_weight"`
}

// CustomWeights holds the custom model's per-channel weights.
type CustomWeights struct {
	Weights map[string]float64 `json:"weights"`
}

// CaptureEvent records one tracker event and returns its assigned id.
func (c *Client) CaptureEvent(ctx context.Context, ev Event) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/events", ev, &resp, http.StatusAccepted); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CaptureConversion records a conversion and returns the attribution run the
// server computed for it.
func (c *Client) CaptureConversion(ctx context.Context, conv Conversion) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/conversions", conv, &run, http.StatusCreated); err != nil {
		return nil, err
	}
	return &run, nil
}

// Results fetches the stored attribution rows for a conversion, across
// models.
func (c *Client) Results(ctx context.Context, conversionID string) ([]Result, error) {
	var resp struct {
		Results []Result `json:"results"`
	}
	if err := c.get(ctx, "/v1/conversions/"+conversionID+"/results", &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SetModel stores the attribution model configuration for a client account.
func (c *Client) SetModel(ctx context.Context, clientID string, settings ModelSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/clients/"+clientID+"/model", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set model failed: %s", resp.Status)
	}
	return nil
}

// ConnectResultsFeed opens the websocket feed of completed attribution runs.
func (c *Client) ConnectResultsFeed(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/results"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	c.wsConn = conn
	return nil
}

// NextRun blocks until the next run arrives on the feed.
func (c *Client) NextRun() (*Run, error) {
	if c.wsConn == nil {
		return nil, fmt.Errorf("results feed not connected")
	}
	var run Run
	if err := c.wsConn.ReadJSON(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Close shuts down the websocket connection if open.
func (c *Client) Close() error {
	if c.wsConn == nil {
		return nil
	}
	err := c.wsConn.Close()
	c.wsConn = nil
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}, wantStatus int) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s failed: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
