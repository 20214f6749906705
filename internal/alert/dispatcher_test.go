package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDispatcher(t *testing.T, channels []Channel) *Dispatcher {
	t.Helper()
	d := NewDispatcher(channels, 600, 50, time.Second, quietLogger())
	d.backoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)
	return d
}

func drainDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func TestDispatcher_DeliversToAllChannels(t *testing.T) {
	var discordHits, telegramHits atomic.Int64

	ds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		discordHits.Add(1)
		var p discordPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || len(p.Embeds) != 1 {
			t.Errorf("Bad discord payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ds.Close)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramHits.Add(1)
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p["chat_id"] != "chat-1" {
			t.Errorf("Bad telegram payload: %v (%v)", err, p)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(ds.URL), NewTelegram(ts.URL, "tok", "chat-1")})

	var deliveredMu sync.Mutex
	delivered := map[string]int{}
	d.OnDelivered(func(channel string, a *models.Alert) {
		deliveredMu.Lock()
		delivered[channel]++
		deliveredMu.Unlock()
	})

	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if discordHits.Load() != 1 || telegramHits.Load() != 1 {
		t.Errorf("Expected 1 hit per channel. Got: discord=%d telegram=%d", discordHits.Load(), telegramHits.Load())
	}
	stats := d.Stats()
	if stats["discord"].Sent != 1 || stats["telegram"].Sent != 1 {
		t.Errorf("Expected sent=1 on both channels. Got: %+v", stats)
	}
	deliveredMu.Lock()
	defer deliveredMu.Unlock()
	if delivered["discord"] != 1 || delivered["telegram"] != 1 {
		t.Errorf("Expected delivery hooks on both channels. Got: %v", delivered)
	}
}

func TestDispatcher_AssignsIDAndBroadcasts(t *testing.T) {
	d := NewDispatcher(nil, 600, 50, time.Second, quietLogger())

	var broadcast *models.Alert
	d.OnDispatch(func(a *models.Alert) { broadcast = a })

	a := sampleAlert()
	a.ID = ""
	a.CreatedAt = time.Time{}
	d.Enqueue(a)

	if a.ID == "" {
		t.Errorf("Expected generated alert ID")
	}
	if a.CreatedAt.IsZero() {
		t.Errorf("Expected CreatedAt to be set")
	}
	if broadcast == nil || broadcast.ID != a.ID {
		t.Errorf("Expected broadcast of the enqueued alert. Got: %+v", broadcast)
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts. Got: %d", hits.Load())
	}
	st := d.Stats()["discord"]
	if st.Sent != 1 || st.Retries != 2 || st.Errors != 0 {
		t.Errorf("Expected sent=1 retries=2. Got: %+v", st)
	}
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if hits.Load() != 3 {
		t.Errorf("Expected exactly 3 attempts. Got: %d", hits.Load())
	}
	st := d.Stats()["discord"]
	if st.Sent != 0 || st.Errors != 1 || st.Retries != 2 {
		t.Errorf("Expected errors=1 after exhausted retries. Got: %+v", st)
	}
}

func TestDispatcher_DropsClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if hits.Load() != 1 {
		t.Errorf("Expected no retry on 404. Got: %d attempts", hits.Load())
	}
	st := d.Stats()["discord"]
	if st.Sent != 0 || st.Errors != 1 || st.Retries != 0 {
		t.Errorf("Expected immediate drop. Got: %+v", st)
	}
}

func TestDispatcher_RetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := newTestDispatcher(t, []Channel{NewDiscord(url)})
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	st := d.Stats()["discord"]
	if st.Sent != 0 || st.Errors != 1 || st.Retries != 2 {
		t.Errorf("Expected retried transport failure. Got: %+v", st)
	}
}

func TestDispatcher_HonorsRetryAfter(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retry_after": 0.05}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	start := time.Now()
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if hits.Load() != 2 {
		t.Errorf("Expected retry after 429. Got: %d attempts", hits.Load())
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected retry_after to stretch the 1ms backoff. Got: %v", elapsed)
	}
	if st := d.Stats()["discord"]; st.Sent != 1 {
		t.Errorf("Expected delivery after rate-limit retry. Got: %+v", st)
	}
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Retry-After": []string{"2"}},
		Body:   io.NopCloser(strings.NewReader(`{"retry_after": 3.5}`)),
	}
	if got := parseRetryAfter(resp); got != 3500*time.Millisecond {
		t.Errorf("Expected body value to win. Got: %v", got)
	}

	resp = &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader(`{"ok":false,"parameters":{"retry_after":7}}`)),
	}
	if got := parseRetryAfter(resp); got != 7*time.Second {
		t.Errorf("Expected nested retry_after. Got: %v", got)
	}

	resp = &http.Response{
		Header: http.Header{"Retry-After": []string{"4"}},
		Body:   io.NopCloser(strings.NewReader("not json")),
	}
	if got := parseRetryAfter(resp); got != 4*time.Second {
		t.Errorf("Expected header fallback. Got: %v", got)
	}
}

func TestDispatcher_QueueOverflowDrops(t *testing.T) {
	// No Start: the queue only fills.
	d := NewDispatcher([]Channel{NewDiscord("http://127.0.0.1:0/hook")}, 600, 50, time.Second, quietLogger())
	var hookDrops atomic.Int64
	d.OnDropped(func(channel string) {
		if channel == "discord" {
			hookDrops.Add(1)
		}
	})
	for i := 0; i < queueCap+3; i++ {
		d.Enqueue(sampleAlert())
	}

	st := d.Stats()["discord"]
	if st.Queued != queueCap {
		t.Errorf("Expected full queue of %d. Got: %d", queueCap, st.Queued)
	}
	if st.Dropped != 3 {
		t.Errorf("Expected 3 overflow drops. Got: %d", st.Dropped)
	}
	if hookDrops.Load() != 3 {
		t.Errorf("Expected drop hook fired 3 times. Got: %d", hookDrops.Load())
	}
}

func TestDispatcher_RateLimitMaxWait(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// Burst of one and a 10ms wait ceiling: the second alert cannot
	// get a token in time and is dropped.
	d := NewDispatcher([]Channel{NewDiscord(srv.URL)}, 30, 1, 10*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	d.Enqueue(sampleAlert())
	d.Enqueue(sampleAlert())
	drainDispatcher(t, d)

	if hits.Load() != 1 {
		t.Errorf("Expected 1 delivery. Got: %d", hits.Load())
	}
	st := d.Stats()["discord"]
	if st.Sent != 1 || st.Dropped != 1 {
		t.Errorf("Expected sent=1 dropped=1. Got: %+v", st)
	}
}

func TestDispatcher_FIFOWithinChannel(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p discordPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || len(p.Embeds) != 1 {
			t.Errorf("Bad payload: %v", err)
			return
		}
		mu.Lock()
		order = append(order, strings.TrimPrefix(p.Embeds[0].Footer.Text, "Mint: "))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	for _, mint := range []string{"mint-A", "mint-B", "mint-C"} {
		a := sampleAlert()
		a.Mint = mint
		d.Enqueue(a)
	}
	drainDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"mint-A", "mint-B", "mint-C"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d deliveries. Got: %v", len(want), order)
	}
	for i, m := range want {
		if order[i] != m {
			t.Errorf("Position %d: Expected %s. Got: %s", i, m, order[i])
		}
	}
}

func TestDispatcher_DrainTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(t, []Channel{NewDiscord(srv.URL)})
	for i := 0; i < 3; i++ {
		d.Enqueue(sampleAlert())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := d.Drain(ctx)
	if err == nil || !strings.Contains(err.Error(), "drain incomplete") {
		t.Errorf("Expected drain timeout error. Got: %v", err)
	}
}

func TestDispatcher_EnqueueAfterDrainIsNoop(t *testing.T) {
	d := newTestDispatcher(t, []Channel{NewDiscord("http://127.0.0.1:0/hook")})
	drainDispatcher(t, d)

	d.Enqueue(sampleAlert())
	if st := d.Stats()["discord"]; st.Queued != 0 || st.Dropped != 0 {
		t.Errorf("Expected enqueue after drain to be ignored. Got: %+v", st)
	}
}

func TestBucket_RefillAndWait(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := newBucket(60, 2) // one token/sec, burst of two
	b.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		if ok, _ := b.take(); !ok {
			t.Fatalf("Expected token %d from a full bucket", i)
		}
	}
	ok, wait := b.take()
	if ok {
		t.Errorf("Expected empty bucket")
	}
	if wait != time.Second {
		t.Errorf("Expected 1s wait. Got: %v", wait)
	}

	clock = clock.Add(1500 * time.Millisecond)
	if ok, _ := b.take(); !ok {
		t.Errorf("Expected token after refill")
	}
	ok, wait = b.take()
	if ok || wait != 500*time.Millisecond {
		t.Errorf("Expected 500ms wait with half a token. Got: ok=%v wait=%v", ok, wait)
	}
}

func TestBucket_ZeroRate(t *testing.T) {
	b := newBucket(0, 1)
	if ok, _ := b.take(); !ok {
		t.Errorf("Expected initial burst token")
	}
	ok, wait := b.take()
	if ok || wait != time.Hour {
		t.Errorf("Expected indefinite wait at zero rate. Got: ok=%v wait=%v", ok, wait)
	}
}

func TestBucket_ConfigureClampsTokens(t *testing.T) {
	b := newBucket(60, 10)
	b.configure(60, 2)
	for i := 0; i < 2; i++ {
		if ok, _ := b.take(); !ok {
			t.Fatalf("Expected token %d after reconfigure", i)
		}
	}
	if ok, _ := b.take(); ok {
		t.Errorf("Expected tokens clamped to the new burst")
	}
}

func TestDispatcher_SetRateLimit(t *testing.T) {
	d := NewDispatcher([]Channel{NewDiscord("http://127.0.0.1:0/hook")}, 30, 5, time.Second, quietLogger())
	d.SetRateLimit(120, 1)

	w := d.workers[0]
	if ok, _ := w.bucket.take(); !ok {
		t.Fatalf("Expected one token after reconfigure")
	}
	if ok, _ := w.bucket.take(); ok {
		t.Errorf("Expected burst clamped to 1")
	}

	d.SetMaxWait(250 * time.Millisecond)
	if got := time.Duration(d.maxWaitNs.Load()); got != 250*time.Millisecond {
		t.Errorf("Expected max wait 250ms. Got: %v", got)
	}
}
