package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	queueCap    = 64
	maxAttempts = 3
)

// ChannelStats is a per-channel delivery snapshot.
type ChannelStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Errors  int64 `json:"errors"`
	Retries int64 `json:"retries"`
	Queued  int   `json:"queued"`
}

type delivery struct {
	alert *models.Alert
	body  []byte
}

type worker struct {
	ch     Channel
	queue  chan *delivery
	bucket *bucket

	sent    atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64
	retries atomic.Int64
}

// Dispatcher fans alerts out to channels. Each channel gets one
// worker goroutine and a bounded FIFO queue; the queue is the only
// contact point between the detection path and delivery. A full
// queue, an exhausted rate bucket, or spent retries all drop the
// alert: delivery never pushes back on detection.
type Dispatcher struct {
	log     *logrus.Logger
	http    *http.Client
	backoff []time.Duration

	maxWaitNs atomic.Int64

	mu      sync.RWMutex
	closed  bool
	workers []*worker

	onDispatch  func(*models.Alert)
	onDelivered func(channel string, a *models.Alert)
	onDropped   func(channel string)
	wg          sync.WaitGroup
}

func NewDispatcher(channels []Channel, ratePerMin, burst int, maxWait time.Duration, log *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		log:     log,
		http:    &http.Client{Timeout: 30 * time.Second},
		backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
	d.maxWaitNs.Store(int64(maxWait))
	for _, ch := range channels {
		d.workers = append(d.workers, &worker{
			ch:     ch,
			queue:  make(chan *delivery, queueCap),
			bucket: newBucket(ratePerMin, burst),
		})
	}
	return d
}

// OnDispatch registers a hook invoked once per accepted alert, before
// channel delivery. Used to feed the live websocket stream.
func (d *Dispatcher) OnDispatch(fn func(*models.Alert)) {
	d.onDispatch = fn
}

// OnDelivered registers a hook invoked after each confirmed channel
// delivery. Used to flip the per-channel sent flags in the sink.
func (d *Dispatcher) OnDelivered(fn func(channel string, a *models.Alert)) {
	d.onDelivered = fn
}

// OnDropped registers a hook invoked when an alert is dropped for a
// channel: queue overflow, rate-limit wait exceeded, or retries
// exhausted.
func (d *Dispatcher) OnDropped(fn func(channel string)) {
	d.onDropped = fn
}

// Start launches one delivery worker per channel.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(ctx, w)
	}
	d.log.WithFields(logrus.Fields{
		"component": "dispatcher",
		"channels":  len(d.workers),
	}).Info("Alert dispatcher started")
}

// Enqueue formats the alert once per channel and queues it. A full
// channel queue drops the alert for that channel only.
func (d *Dispatcher) Enqueue(a *models.Alert) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.onDispatch != nil {
		d.onDispatch(a)
	}

	for _, w := range d.workers {
		body, err := w.ch.Payload(a)
		if err != nil {
			w.errors.Add(1)
			d.log.WithFields(logrus.Fields{
				"component": "dispatcher",
				"channel":   w.ch.Name(),
			}).WithError(err).Error("Failed to format alert")
			continue
		}
		select {
		case w.queue <- &delivery{alert: a, body: body}:
		default:
			w.dropped.Add(1)
			if d.onDropped != nil {
				d.onDropped(w.ch.Name())
			}
			d.log.WithFields(logrus.Fields{
				"component": "dispatcher",
				"channel":   w.ch.Name(),
				"mint":      models.ShortAddr(a.Mint),
			}).Warn("Channel queue full, dropping alert")
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, w *worker) {
	defer d.wg.Done()
	for {
		select {
		case del, ok := <-w.queue:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				w.dropped.Add(1)
				continue
			}
			d.deliver(ctx, w, del)
		case <-ctx.Done():
			// Count whatever is already queued as dropped, then stop.
			for {
				select {
				case _, ok := <-w.queue:
					if !ok {
						return
					}
					w.dropped.Add(1)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one formatted alert: wait for a rate token, then up
// to three attempts with 1s/2s/4s backoff. Retries cover transport
// errors, 5xx, and 429 (which can stretch the delay via retry_after).
// Any other 4xx is a permanent rejection. Exhausted deliveries are
// dropped with an error log, never requeued.
func (d *Dispatcher) deliver(ctx context.Context, w *worker, del *delivery) {
	entry := d.log.WithFields(logrus.Fields{
		"component": "dispatcher",
		"channel":   w.ch.Name(),
		"mint":      models.ShortAddr(del.alert.Mint),
	})

	if !d.waitForToken(ctx, w) {
		w.dropped.Add(1)
		if d.onDropped != nil {
			d.onDropped(w.ch.Name())
		}
		entry.Warn("Rate limit wait exceeded, dropping alert")
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var hint time.Duration

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.ch.Endpoint(), bytes.NewReader(del.body))
		if err != nil {
			w.errors.Add(1)
			entry.WithError(err).Error("Failed to build request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		// Every path that falls through the switch is retryable.
		resp, err := d.http.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				w.dropped.Add(1)
				return
			}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			resp.Body.Close()
			w.sent.Add(1)
			entry.WithField("trigger", del.alert.TriggerName).Info("Alert sent")
			if d.onDelivered != nil {
				d.onDelivered(w.ch.Name(), del.alert)
			}
			return
		case resp.StatusCode == http.StatusTooManyRequests:
			hint = parseRetryAfter(resp)
			resp.Body.Close()
		case resp.StatusCode >= 500:
			resp.Body.Close()
		default:
			entry.WithField("status", resp.StatusCode).Error("Alert rejected")
			resp.Body.Close()
			w.errors.Add(1)
			return
		}

		if attempt == maxAttempts-1 {
			break
		}
		delay := d.backoff[attempt]
		if hint > delay {
			delay = hint
		}
		w.retries.Add(1)
		if !sleepCtx(ctx, delay) {
			w.dropped.Add(1)
			return
		}
	}

	w.errors.Add(1)
	if d.onDropped != nil {
		d.onDropped(w.ch.Name())
	}
	entry.Errorf("Alert dropped after %d attempts", maxAttempts)
}

// waitForToken blocks until the channel's bucket yields a token, up
// to the configured max wait.
func (d *Dispatcher) waitForToken(ctx context.Context, w *worker) bool {
	maxWait := time.Duration(d.maxWaitNs.Load())
	deadline := time.Now().Add(maxWait)
	for {
		ok, wait := w.bucket.take()
		if ok {
			return true
		}
		if time.Now().Add(wait).After(deadline) {
			return false
		}
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
}

// parseRetryAfter extracts a server-requested delay from a 429: the
// Retry-After header or the JSON body's retry_after (top-level or
// under parameters).
func parseRetryAfter(resp *http.Response) time.Duration {
	var secs float64
	if h := resp.Header.Get("Retry-After"); h != "" {
		if n, err := strconv.ParseFloat(h, 64); err == nil {
			secs = n
		}
	}
	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Parameters struct {
			RetryAfter float64 `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		if body.RetryAfter > secs {
			secs = body.RetryAfter
		}
		if body.Parameters.RetryAfter > secs {
			secs = body.Parameters.RetryAfter
		}
	}
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain closes intake and waits for the queues to finish, bounded by
// ctx. Returns an error naming the number of undelivered alerts when
// the deadline passes first.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, w := range d.workers {
			close(w.queue)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain incomplete: %d alerts still queued", d.Pending())
	}
}

// Pending counts queued, undelivered alerts across channels.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, w := range d.workers {
		n += len(w.queue)
	}
	return n
}

// SetRateLimit reconfigures every channel bucket.
func (d *Dispatcher) SetRateLimit(ratePerMin, burst int) {
	for _, w := range d.workers {
		w.bucket.configure(ratePerMin, burst)
	}
}

// SetMaxWait reconfigures the rate-token wait ceiling.
func (d *Dispatcher) SetMaxWait(maxWait time.Duration) {
	d.maxWaitNs.Store(int64(maxWait))
}

// Stats snapshots per-channel delivery counters.
func (d *Dispatcher) Stats() map[string]ChannelStats {
	out := make(map[string]ChannelStats, len(d.workers))
	for _, w := range d.workers {
		out[w.ch.Name()] = ChannelStats{
			Sent:    w.sent.Load(),
			Dropped: w.dropped.Load(),
			Errors:  w.errors.Load(),
			Retries: w.retries.Load(),
			Queued:  len(w.queue),
		}
	}
	return out
}
