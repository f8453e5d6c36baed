package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"distill/internal/services"
)

const (
	defaultHTTPTimeout    = 120 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 15 * time.Second
	defaultRetryAttempts  = 3
	defaultMaxUploadMB    = 25
)

// Config captures the runtime settings for the transcription provider.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	MaxUploadMB    int
}

// Transcription is the provider's decoded response for one audio segment.
type Transcription struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Duration float64      `json:"duration"`
	Segments []SubSegment `json:"segments"`
}

// SubSegment is one timestamped slice of the transcription.
type SubSegment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogProb float64 `json:"avg_logprob"`
}

// AvgLogProb returns the mean log-probability across sub-segments, or 0
// when the provider reported none.
func (t Transcription) AvgLogProb() float64 {
	if len(t.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, segment := range t.Segments {
		sum += segment.AvgLogProb
	}
	return sum / float64(len(t.Segments))
}

// Client wraps the transcription HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = base
		c.retryMaxDelay = max
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a transcription client from the supplied
// configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = defaultMaxUploadMB
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			TimeoutSeconds: cfg.TimeoutSeconds,
			MaxUploadMB:    cfg.MaxUploadMB,
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// MaxUploadBytes returns the provider's accepted upload size.
func (c *Client) MaxUploadBytes() int64 {
	return int64(c.cfg.MaxUploadMB) << 20
}

// Transcribe uploads the audio file at path and returns its transcription.
// Files over the provider limit are rejected before any bytes move; the
// caller decides whether that is a skip or a failure.
func (c *Client) Transcribe(ctx context.Context, path string) (Transcription, error) {
	var empty Transcription
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrConfiguration, "transcriber", "transcribe", "api key required", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return empty, services.Wrap(services.ErrNotFound, "transcriber", "transcribe", path, err)
	}
	if info.Size() > c.MaxUploadBytes() {
		return empty, services.Wrap(
			services.ErrValidation,
			"transcriber",
			"transcribe",
			fmt.Sprintf("file is %d bytes, provider limit is %d", info.Size(), c.MaxUploadBytes()),
			nil,
		)
	}

	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.sendOnce(ctx, path)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= attempts || !retryableTranscribe(ctx, err) {
			return empty, err
		}
		delay := backoffDelay(c.retryBaseDelay, c.retryMaxDelay, attempt)
		if err := c.sleep(ctx, delay); err != nil {
			return empty, err
		}
	}
	return empty, services.Wrap(services.ErrProvider, "transcriber", "transcribe", fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("transcribe request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) sendOnce(ctx context.Context, path string) (Transcription, error) {
	var empty Transcription

	file, err := os.Open(path)
	if err != nil {
		return empty, services.Wrap(services.ErrNotFound, "transcriber", "transcribe", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return empty, fmt.Errorf("transcribe request: build form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return empty, fmt.Errorf("transcribe request: read audio: %w", err)
	}
	_ = writer.WriteField("model", c.cfg.Model)
	_ = writer.WriteField("response_format", "verbose_json")
	if err := writer.Close(); err != nil {
		return empty, fmt.Errorf("transcribe request: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, &buf)
	if err != nil {
		return empty, fmt.Errorf("transcribe request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("transcribe request: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("transcribe request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result Transcription
	if err := json.Unmarshal(body, &result); err != nil {
		return empty, fmt.Errorf("transcribe request: decode response: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	return result, nil
}

func retryableTranscribe(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, services.ErrNotFound) || errors.Is(err, services.ErrValidation) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}
	return true
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	if max <= 0 {
		max = defaultRetryMaxDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

func (c *Client) retryAttempts() int {
	if c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
