// Package webhook delivers events to registered HTTP endpoints off the request path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"mdplane/internal/config"
	"mdplane/internal/domain"
	"mdplane/internal/repo"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetWebhookByID(ctx context.Context, id string) (domain.Webhook, error)
	InsertDelivery(ctx context.Context, d domain.DeliveryLog) (int64, error)
	RecordDeliveryOutcome(ctx context.Context, id string, ok bool, disableAfter int, at time.Time) (bool, error)
}

type Options struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	Timeout      time.Duration
	MaxElapsed   time.Duration
	DisableAfter int
}

func OptionsFromConfig(c config.WebhooksConfig) Options {
	return Options{
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		MaxAttempts:  c.MaxAttempts,
		BackoffMin:   c.BackoffMin(),
		BackoffMax:   c.BackoffMax(),
		Timeout:      c.Timeout(),
		MaxElapsed:   c.MaxElapsed(),
		DisableAfter: c.DisableAfterFailures,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 30 * o.BackoffMin
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 2 * time.Minute
	}
	return o
}

type job struct {
	webhook domain.Webhook
	env     domain.Envelope
}

// Dispatcher queues deliveries and posts them from a pool of workers. Enqueue never blocks;
// a full queue records a failed delivery instead.
type Dispatcher struct {
	store  Store
	opts   Options
	client *http.Client
	logger *slog.Logger
	Now    func() time.Time

	queue  chan job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, opts Options, logger *slog.Logger) *Dispatcher {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		opts:   opts,
		client: &http.Client{},
		logger: logger.With("component", "webhooks"),
		queue:  make(chan job, opts.QueueSize),
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Start launches the workers. They exit once Close drains the queue or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-d.queue:
					if !ok {
						return
					}
					d.Deliver(ctx, j.webhook, j.env)
				}
			}
		}()
	}
}

// Close stops accepting work and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue implements events.Enqueuer.
func (d *Dispatcher) Enqueue(w domain.Webhook, env domain.Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, dropping delivery", "webhook_id", w.ID, "event", env.Event)
		return
	}
	select {
	case d.queue <- job{webhook: w, env: env}:
	default:
		d.logger.Warn("delivery queue full", "webhook_id", w.ID, "event", env.Event, "event_id", env.EventID)
		entry := domain.DeliveryLog{
			WebhookID: w.ID,
			EventID:   env.EventID,
			Event:     env.Event,
			Attempt:   0,
			Status:    domain.DeliveryFailed,
			Error:     "delivery queue full",
			Timestamp: repo.FormatTime(d.now()),
		}
		if _, err := d.store.InsertDelivery(context.Background(), entry); err != nil {
			d.logger.Error("record dropped delivery", "webhook_id", w.ID, "err", err)
		}
	}
}

// Deliver posts env to the webhook, retrying with backoff until it succeeds, attempts or
// elapsed time run out, or the webhook is disabled. Each attempt is logged. A webhook that
// is disabled or gone is skipped without a log entry.
func (d *Dispatcher) Deliver(ctx context.Context, w domain.Webhook, env domain.Envelope) []domain.DeliveryLog {
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("encode event", "webhook_id", w.ID, "err", err)
		return nil
	}
	b := &backoff.Backoff{Min: d.opts.BackoffMin, Max: d.opts.BackoffMax, Factor: 2, Jitter: true}
	started := time.Now()
	var logs []domain.DeliveryLog
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		current, err := d.store.GetWebhookByID(ctx, w.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return logs
		}
		if err != nil {
			d.logger.Error("load webhook", "webhook_id", w.ID, "err", err)
			return logs
		}
		if current.DisabledAt != nil {
			return logs
		}

		entry := d.post(ctx, current, env, body, attempt)
		if entry.ID, err = d.store.InsertDelivery(ctx, entry); err != nil {
			d.logger.Error("record delivery", "webhook_id", w.ID, "err", err)
		}
		logs = append(logs, entry)
		ok := entry.Status == domain.DeliveryOK
		disabled, err := d.store.RecordDeliveryOutcome(ctx, w.ID, ok, d.opts.DisableAfter, d.now())
		if err != nil {
			d.logger.Error("record delivery outcome", "webhook_id", w.ID, "err", err)
		}
		d.logger.Info("webhook delivery", "webhook_id", w.ID, "event", env.Event, "event_id", env.EventID,
			"attempt", attempt, "status", entry.Status, "code", entry.ResponseCode, "duration_ms", entry.DurationMs)
		if disabled {
			d.logger.Warn("webhook disabled after repeated failures", "webhook_id", w.ID)
		}
		if ok || disabled || attempt == d.opts.MaxAttempts {
			return logs
		}

		wait := b.Duration()
		if time.Since(started)+wait > d.opts.MaxElapsed {
			return logs
		}
		select {
		case <-ctx.Done():
			return logs
		case <-time.After(wait):
		}
	}
	return logs
}

func (d *Dispatcher) post(ctx context.Context, w domain.Webhook, env domain.Envelope, body []byte, attempt int) domain.DeliveryLog {
	entry := domain.DeliveryLog{
		WebhookID: w.ID,
		EventID:   env.EventID,
		Event:     env.Event,
		Attempt:   attempt,
		Status:    domain.DeliveryFailed,
		Timestamp: repo.FormatTime(d.now()),
	}
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, env.Event)
	req.Header.Set(HeaderDelivery, env.EventID)
	req.Header.Set(HeaderSequence, strconv.FormatInt(env.Sequence, 10))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if w.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.Secret, body))
	}

	started := time.Now()
	res, err := d.client.Do(req)
	entry.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	defer res.Body.Close()
	entry.ResponseCode = res.StatusCode
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		entry.Status = domain.DeliveryOK
		return entry
	}
	entry.Error = fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	return entry
}
