package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/studioposts/api/internal/config"
	"github.com/studioposts/api/internal/model"
)

// ScheduleProvider defines the interface for booking-platform adapters.
// Implementations return a normalized schedule document for a source id and
// a date-range view; everything upstream of that normalization is opaque.
type ScheduleProvider interface {
	GetSchedule(ctx context.Context, source, sourceID, fromDate, toDate string) (*model.ScheduleData, error)
}

// ScheduleClient implements ScheduleProvider against the schedule-sync
// service that fronts the individual booking platforms
type ScheduleClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewScheduleClient creates a new schedule-sync client
func NewScheduleClient(cfg *config.ScheduleConfig) *ScheduleClient {
	return &ScheduleClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// GetSchedule fetches the normalized schedule for a source over a date range
func (c *ScheduleClient) GetSchedule(ctx context.Context, source, sourceID, fromDate, toDate string) (*model.ScheduleData, error) {
	if !model.IsValidScheduleSource(source) {
		return nil, fmt.Errorf("unsupported schedule source: %s", source)
	}

	endpoint := fmt.Sprintf("%s/v1/schedules/%s/%s?from=%s&to=%s", c.baseURL, source, sourceID, fromDate, toDate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[Schedule API] ← %d %s — %s", resp.StatusCode, endpoint, string(body))
		return nil, fmt.Errorf("schedule API error (status %d): %s", resp.StatusCode, string(body))
	}

	var schedule model.ScheduleData
	if err := json.Unmarshal(body, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &schedule, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ScheduleClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}
