package doseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
	"github.com/drfirst/go-mar/pkg/idempotency"
)

const maxBodyBytes = 4 << 20

// StatusError is a non-2xx answer from the dose API
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: dose api returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: dose api returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsClientError reports whether err is a 4xx answer. Those describe the
// request, not the health of the backend.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// APIKey is sent as X-API-Key when set
	APIKey  string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// DefaultConfig returns defaults for a dose API at baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("dose-api"),
	}
}

// Client talks to the dose API. It satisfies schedule.Source and dose.Mutator.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a client. Client errors do not count against the breaker
// unless cfg.Breaker.IsSuccessful says otherwise.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("dose api base url is required")
	}
	if cfg.Breaker.IsSuccessful == nil {
		cfg.Breaker.IsSuccessful = func(err error) bool {
			return err == nil || IsClientError(err) || errors.Is(err, context.Canceled)
		}
	}
	breaker, err := circuitbreaker.New(cfg.Breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("doseapi-client"),
	}, nil
}

// Breaker exposes the client's circuit breaker
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// ReadReminders fetches every reminder of a schedule context grouped by day,
// current day first
func (c *Client) ReadReminders(ctx context.Context, scheduleContextID string) ([]dose.DayReminders, error) {
	ctx, span := c.tracer.Start(ctx, "doseapi.read_reminders",
		trace.WithAttributes(attribute.String("schedule_context_id", scheduleContextID)))
	defer span.End()

	path := "/api/v1/schedules/" + url.PathEscape(scheduleContextID) + "/reminders"
	var days []dose.DayReminders
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, "read reminders", http.MethodGet, path, nil, nil)
		if err != nil {
			return err
		}
		days, err = c.decodeDays(body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("days", len(days)))
	return days, nil
}

// MutateDoseStatus records a terminal status. The Idempotency-Key header is
// derived from the request so a retried submission is not applied twice.
func (c *Client) MutateDoseStatus(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
	ctx, span := c.tracer.Start(ctx, "doseapi.mutate_dose_status",
		trace.WithAttributes(
			attribute.Int64("reminder_id", req.ReminderID),
			attribute.String("to", req.DoseStatus.String()),
		))
	defer span.End()

	payload, err := json.Marshal(DoseStatusRequest{DoseStatus: req.DoseStatus, MedicationTime: req.MedicationTime})
	if err != nil {
		return dose.MutationResult{}, fmt.Errorf("encode request: %w", err)
	}
	headers := http.Header{}
	headers.Set(idempotency.HeaderName, idempotency.GenerateKey(req.ReminderID, int(req.DoseStatus), req.MedicationTime))

	path := "/api/v1/reminders/" + strconv.FormatInt(req.ReminderID, 10) + "/dose-status"
	var result dose.MutationResult
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, "mutate dose status", http.MethodPatch, path, payload, headers)
		if err != nil {
			return err
		}
		result.GivenTime = c.extractGivenTime(body, req.ReminderID)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return dose.MutationResult{}, err
	}
	span.SetAttributes(attribute.Bool("given_time_present", result.GivenTime.Present()))
	return result, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, headers http.Header) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		_ = json.Unmarshal(body, &e)
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: e.Error}
	}
	return body, nil
}

// decodeDays accepts {"dates":[{"day","reminders"}...]} and the older
// date-keyed object {"2024-01-01":[...], ...}, keeping the key order. The
// shape is chosen by the presence of a "dates" key, so a bad record inside
// the envelope is an error rather than a misread.
func (c *Client) decodeDays(body []byte) ([]dose.DayReminders, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}

	var days []dose.DayReminders
	if raw, ok := top["dates"]; ok {
		if err := json.Unmarshal(raw, &days); err != nil {
			return nil, fmt.Errorf("decode reminders: %w", err)
		}
	} else {
		keyed, err := decodeKeyedDays(trimmed)
		if err != nil {
			return nil, err
		}
		days = keyed
	}

	for i := range days {
		stampDay(days[i].Reminders, days[i].Day)
		for _, r := range days[i].Reminders {
			if raw, bad := r.GivenTime.Unparsed(); bad {
				c.logger.Warn("ignoring unparseable given time",
					zap.Int64("reminder_id", r.ID),
					zap.String("day", days[i].Day),
					zap.String("value", raw))
			}
		}
	}
	return days, nil
}

func decodeKeyedDays(body []byte) ([]dose.DayReminders, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}

	var days []dose.DayReminders
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode reminders: %w", err)
		}
		day, _ := tok.(string)
		var reminders []dose.ReminderRecord
		if err := dec.Decode(&reminders); err != nil {
			return nil, fmt.Errorf("decode reminders for %s: %w", day, err)
		}
		days = append(days, dose.DayReminders{Day: day, Reminders: reminders})
	}
	return days, nil
}

func stampDay(reminders []dose.ReminderRecord, day string) {
	for i := range reminders {
		if reminders[i].Day == "" {
			reminders[i].Day = day
		}
	}
}

type givenTimeShapes struct {
	GivenTime json.RawMessage `json:"givenTime"`
	Data      *struct {
		GivenTime json.RawMessage `json:"givenTime"`
		Reminder  *struct {
			GivenTime json.RawMessage `json:"givenTime"`
		} `json:"reminder"`
	} `json:"data"`
	Reminder *struct {
		GivenTime json.RawMessage `json:"given_time"`
	} `json:"reminder"`
}

// extractGivenTime finds the given time in any of the response shapes the
// backend has used. Anything unreadable is treated as absent; the change
// itself was recorded.
func (c *Client) extractGivenTime(body []byte, reminderID int64) dose.GivenTime {
	if len(bytes.TrimSpace(body)) == 0 {
		return dose.NotGiven()
	}
	var shapes givenTimeShapes
	if err := json.Unmarshal(body, &shapes); err != nil {
		c.logger.Warn("unreadable dose status response", zap.Int64("reminder_id", reminderID), zap.Error(err))
		return dose.NotGiven()
	}

	candidates := []json.RawMessage{}
	if shapes.Data != nil {
		candidates = append(candidates, shapes.Data.GivenTime)
	}
	candidates = append(candidates, shapes.GivenTime)
	if shapes.Data != nil && shapes.Data.Reminder != nil {
		candidates = append(candidates, shapes.Data.Reminder.GivenTime)
	}
	if shapes.Reminder != nil {
		candidates = append(candidates, shapes.Reminder.GivenTime)
	}

	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var g dose.GivenTime
		if err := json.Unmarshal(raw, &g); err != nil {
			continue
		}
		if g.Present() {
			return g
		}
		if v, bad := g.Unparsed(); bad {
			c.logger.Warn("ignoring unparseable given time",
				zap.Int64("reminder_id", reminderID),
				zap.String("value", v))
		}
	}
	return dose.NotGiven()
}
