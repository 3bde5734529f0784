package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds each delivery attempt.
	DefaultTimeout = 10 * time.Second

	maxDrainedBodyBytes = 64 << 10
)

// HTTPClient is the subset of *http.Client used for deliveries.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Lister supplies the current registrations.
type Lister interface {
	List(ctx context.Context) ([]Registration, error)
}

// DeliveryRecorder persists delivery outcomes.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// Payload is the JSON body POSTed to every matching registration.
type Payload struct {
	Event     Event          `json:"event"`
	Tool      string         `json:"tool"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Delivery is the settled outcome of one registration for one trigger.
type Delivery struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	ToolName   string    `json:"tool_name"`
	Event      Event     `json:"event"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registrations Lister

	// Deliveries is optional; nil disables delivery history.
	Deliveries DeliveryRecorder

	// Client defaults to a plain *http.Client; per-attempt deadlines come
	// from Timeout.
	Client HTTPClient

	// Timeout bounds each attempt (default 10s).
	Timeout time.Duration

	// Backoff is the linear delay unit between attempts (0 = retry
	// immediately). MaxBackoff caps the delay when positive.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// MaxConcurrency limits parallel deliveries per trigger (0 = unlimited).
	MaxConcurrency int

	IDs      *IDGenerator
	Observer Observer
	Logger   zerolog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher fans lifecycle events out to matching registrations.
type Dispatcher struct {
	regs     Lister
	log      DeliveryRecorder
	client   HTTPClient
	timeout  time.Duration
	backoff  time.Duration
	maxWait  time.Duration
	limit    int
	ids      *IDGenerator
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	inflight sync.WaitGroup
}

// NewDispatcher validates cfg and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registrations == nil {
		return nil, errors.New("webhook: dispatcher requires a registration source")
	}
	d := &Dispatcher{
		regs:     cfg.Registrations,
		log:      cfg.Deliveries,
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		backoff:  cfg.Backoff,
		maxWait:  cfg.MaxBackoff,
		limit:    cfg.MaxConcurrency,
		ids:      cfg.IDs,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.backoff < 0 {
		d.backoff = 0
	}
	if d.ids == nil {
		ids, err := NewIDGenerator(ProcessMachineID())
		if err != nil {
			return nil, err
		}
		d.ids = ids
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	return d, nil
}

// Trigger delivers event to every registration matching toolName and waits
// for all deliveries to settle. Delivery failures are reported in the
// returned results, never as an error. Caller cancellation does not abort
// deliveries already started.
func (d *Dispatcher) Trigger(ctx context.Context, event Event, toolName string, data map[string]any) ([]Delivery, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	ctx = context.WithoutCancel(ctx)

	regs, err := d.regs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook: trigger %s: %w", event, err)
	}
	matched := matching(regs, toolName)
	if len(matched) == 0 {
		return nil, nil
	}

	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(Payload{
		Event:     event,
		Tool:      toolName,
		Timestamp: d.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: trigger %s: marshal payload: %w", event, err)
	}

	results := make([]Delivery, len(matched))
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, reg := range matched {
		g.Go(func() error {
			results[i] = d.deliver(ctx, reg, event, toolName, body)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Notify triggers event in the background. Errors are logged. Use Wait to
// drain in-flight notifications.
func (d *Dispatcher) Notify(event Event, toolName string, data map[string]any) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if _, err := d.Trigger(context.Background(), event, toolName, data); err != nil {
			d.logger.Error().Err(err).
				Str("event", string(event)).
				Str("tool", toolName).
				Msg("webhook notification failed")
		}
	}()
}

// Wait blocks until every Notify call has settled.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// attemptResult is the outcome of a single POST.
type attemptResult struct {
	statusCode int
	err        error
}

func (r attemptResult) ok() bool {
	return r.err == nil
}

func (d *Dispatcher) deliver(ctx context.Context, reg Registration, event Event, toolName string, body []byte) Delivery {
	started := d.now()
	id, err := d.ids.Next()
	if err != nil {
		d.logger.Warn().Err(err).Str("url", reg.URL).Msg("webhook delivery id unavailable")
	}

	retries := reg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	var (
		last     attemptResult
		attempts int
	)
	for attempt := 1; attempt <= retries; attempt++ {
		attempts = attempt
		attemptStart := d.now()
		last = d.attempt(ctx, reg, event, id, body)
		d.observer.ObserveAttempt(AttemptObservation{
			URL:        reg.URL,
			ToolName:   toolName,
			Event:      event,
			Attempt:    attempt,
			StatusCode: last.statusCode,
			Success:    last.ok(),
			DurationMS: elapsedMS(d.now(), attemptStart),
		})
		if last.ok() || attempt == retries {
			break
		}
		if wait := d.backoffFor(attempt); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				break
			}
		}
	}

	delivery := Delivery{
		ID:         id,
		URL:        reg.URL,
		ToolName:   toolName,
		Event:      event,
		Attempts:   attempts,
		StatusCode: last.statusCode,
		OK:         last.ok(),
		DurationMS: elapsedMS(d.now(), started),
		CreatedAt:  started.UTC(),
	}
	if last.err != nil {
		delivery.Error = last.err.Error()
		d.logger.Warn().
			Str("url", reg.URL).
			Str("event", string(event)).
			Str("tool", toolName).
			Int("attempt", attempts).
			Err(last.err).
			Msg("webhook delivery failed")
	}

	if d.log != nil {
		if err := d.log.RecordDelivery(ctx, delivery); err != nil {
			d.logger.Error().Err(err).Str("url", reg.URL).Msg("failed to record webhook delivery")
		}
	}
	d.observer.ObserveDelivery(DeliveryObservation{
		URL:        reg.URL,
		ToolName:   toolName,
		Event:      event,
		Attempts:   attempts,
		StatusCode: last.statusCode,
		Success:    last.ok(),
		StartedAt:  started,
		DurationMS: delivery.DurationMS,
	})
	return delivery
}

func (d *Dispatcher) attempt(ctx context.Context, reg Registration, event Event, id int64, body []byte) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event))
	if id != 0 {
		req.Header.Set(HeaderDelivery, strconv.FormatInt(id, 10))
	}
	if reg.Signed() {
		req.Header.Set(HeaderSignature, Sign(reg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return attemptResult{err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainedBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return attemptResult{statusCode: resp.StatusCode}
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	if d.backoff <= 0 || attempt <= 0 {
		return 0
	}
	wait := d.backoff * time.Duration(attempt)
	if d.maxWait > 0 && wait > d.maxWait {
		wait = d.maxWait
	}
	return wait
}

func elapsedMS(end, start time.Time) float64 {
	ms := float64(end.Sub(start)) / float64(time.Millisecond)
	if ms < 0 {
		return 0
	}
	return ms
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
