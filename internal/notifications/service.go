package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/logging"
)

const userAgent = "Distill-Go/0.1.0"

const (
	eventCompleted = "process.completed"
	eventFailed    = "process.failed"
)

// event is the webhook body. Failure fields are empty on completion events.
type event struct {
	EventType string    `json:"event_type"`
	ProcessID string    `json:"process_id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RemoteURL string    `json:"remote_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Service delivers terminal pipeline events to a configured webhook.
// Delivery is best effort: failures are logged, never propagated back into
// the pipeline. Duplicate events for the same record inside the dedup
// window are dropped, since completion handlers may replay.
type Service struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	dedup      time.Duration
	completion bool
	failures   bool
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewService builds the webhook notifier. With no webhook URL configured it
// returns a disabled service whose methods do nothing.
func NewService(cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	url := strings.TrimSpace(cfg.Notifications.WebhookURL)

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	window := time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	return &Service{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(logger, "notifications"),
		dedup:      window,
		completion: cfg.Notifications.Completion,
		failures:   cfg.Notifications.Errors,
		now:        func() time.Time { return time.Now().UTC() },
		seen:       make(map[string]time.Time),
	}
}

// SetClockForTests overrides the dedup clock.
func (s *Service) SetClockForTests(now func() time.Time) {
	s.now = now
}

// ProcessCompleted announces a record that reached the completed status.
func (s *Service) ProcessCompleted(ctx context.Context, record *ledger.Record) {
	if s.url == "" || !s.completion || record == nil {
		return
	}
	remoteURL := ""
	if record.Remote != nil {
		remoteURL = record.Remote.URL
	}
	s.deliver(ctx, event{
		EventType: eventCompleted,
		ProcessID: record.ID,
		TenantID:  record.TenantID,
		Title:     record.Title,
		Status:    string(record.Status),
		RemoteURL: remoteURL,
	})
}

// ProcessFailed announces a record that failed permanently.
func (s *Service) ProcessFailed(ctx context.Context, record *ledger.Record, stage, reason string) {
	if s.url == "" || !s.failures || record == nil {
		return
	}
	s.deliver(ctx, event{
		EventType: eventFailed,
		ProcessID: record.ID,
		TenantID:  record.TenantID,
		Title:     record.Title,
		Status:    string(record.Status),
		Stage:     stage,
		Reason:    reason,
	})
}

func (s *Service) deliver(ctx context.Context, data event) {
	if s.suppressed(data.EventType, data.ProcessID) {
		return
	}
	data.Timestamp = s.now()

	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encode webhook event", logging.Error(err))
		return
	}
	if err := s.post(ctx, body); err != nil {
		s.logger.Warn("webhook delivery failed",
			logging.String(logging.FieldEventType, data.EventType),
			logging.String(logging.FieldProcessID, data.ProcessID),
			logging.Error(err))
		return
	}
	s.logger.Info("webhook delivered",
		logging.String(logging.FieldEventType, data.EventType),
		logging.String(logging.FieldProcessID, data.ProcessID))
}

// suppressed records the event key and reports whether an identical event
// was already sent inside the dedup window.
func (s *Service) suppressed(eventType, processID string) bool {
	key := eventType + "|" + processID
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen[key]; ok && now.Sub(last) < s.dedup {
		return true
	}
	s.seen[key] = now
	for k, at := range s.seen {
		if now.Sub(at) >= s.dedup {
			delete(s.seen, k)
		}
	}
	return false
}

func (s *Service) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
