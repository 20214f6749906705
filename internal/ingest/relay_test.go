package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sampleTx(slot uint64, sig string) *models.RawTransaction {
	return &models.RawTransaction{
		Signature:   sig,
		Slot:        slot,
		AccountKeys: []string{"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"},
	}
}

func encodeTx(t *testing.T, tx *models.RawTransaction) []byte {
	t.Helper()
	data, err := models.EncodeRawTransaction(tx)
	if err != nil {
		t.Fatalf("Expected transaction to encode. Got: %v", err)
	}
	return data
}

// fakeStream captures appended transactions and closes done once want
// records have arrived.
type fakeStream struct {
	mu   sync.Mutex
	txs  []*models.RawTransaction
	want int
	done chan struct{}
	fail bool
}

func newFakeStream(want int) *fakeStream {
	return &fakeStream{want: want, done: make(chan struct{})}
}

func (f *fakeStream) Append(ctx context.Context, tx *models.RawTransaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("store offline")
	}
	f.txs = append(f.txs, tx)
	if len(f.txs) == f.want {
		close(f.done)
	}
	return fmt.Sprintf("0-%d", len(f.txs)), nil
}

func (f *fakeStream) appended() []*models.RawTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.RawTransaction, len(f.txs))
	copy(out, f.txs)
	return out
}

// startRelay runs the relay with test-friendly backoff and returns a
// cancel that blocks until Run has exited.
func startRelay(t *testing.T, r *Relay) func() {
	t.Helper()
	r.backoff = 5 * time.Millisecond
	r.maxWait = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(finished)
	}()
	return func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Errorf("Expected relay to stop after cancel. Got: still running")
		}
	}
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Expected %s within 5s. Got: timeout", what)
	}
}

var testUpgrader = websocket.Upgrader{}

func TestRelay_AppendsAndStampsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("Expected upgrade to succeed. Got: %v", err)
			return
		}
		defer conn.Close()
		for i := 1; i <= 3; i++ {
			tx := sampleTx(uint64(1000+i), fmt.Sprintf("sig-%d", i))
			if err := conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, tx)); err != nil {
				t.Errorf("Expected write to succeed. Got: %v", err)
				return
			}
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := newFakeStream(3)
	relay := NewRelay(wsURL(srv), "", fs, quietLogger())
	relay.now = func() time.Time { return time.Unix(1748800000, 0) }
	stop := startRelay(t, relay)
	defer stop()

	waitDone(t, fs.done, "3 appended records")

	txs := fs.appended()
	if len(txs) != 3 {
		t.Fatalf("Expected 3 appended records. Got: %d", len(txs))
	}
	for i, tx := range txs {
		if want := fmt.Sprintf("sig-%d", i+1); tx.Signature != want {
			t.Errorf("Expected record %d signature %s. Got: %s", i, want, tx.Signature)
		}
		if tx.IngestTime != 1748800000 {
			t.Errorf("Expected ingest time stamped at receipt. Got: %d", tx.IngestTime)
		}
	}

	stats := relay.Stats()
	if stats.Received != 3 {
		t.Errorf("Expected 3 received. Got: %d", stats.Received)
	}
	if stats.LastSlot != 1003 {
		t.Errorf("Expected last slot 1003. Got: %d", stats.LastSlot)
	}
	if !stats.Connected {
		t.Errorf("Expected relay to report connected. Got: disconnected")
	}
}

func TestRelay_SendsAuthToken(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotToken.Store(req.Header.Get("x-token"))
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, sampleTx(1, "auth-sig")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := newFakeStream(1)
	relay := NewRelay(wsURL(srv), "secret-token", fs, quietLogger())
	stop := startRelay(t, relay)
	defer stop()

	waitDone(t, fs.done, "1 appended record")
	if got := gotToken.Load(); got != "secret-token" {
		t.Errorf("Expected x-token header secret-token. Got: %v", got)
	}
}

func TestRelay_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := conns.Add(1)
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, sampleTx(uint64(n), fmt.Sprintf("conn-%d", n))))
		if n == 1 {
			return // drop the first connection straight away
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := newFakeStream(2)
	relay := NewRelay(wsURL(srv), "", fs, quietLogger())
	stop := startRelay(t, relay)
	defer stop()

	waitDone(t, fs.done, "records from both connections")

	if got := conns.Load(); got < 2 {
		t.Errorf("Expected at least 2 upstream connections. Got: %d", got)
	}
	if stats := relay.Stats(); stats.Reconnects < 1 {
		t.Errorf("Expected at least 1 reconnect. Got: %d", stats.Reconnects)
	}
	txs := fs.appended()
	if len(txs) < 2 || txs[0].Signature != "conn-1" || txs[1].Signature != "conn-2" {
		t.Errorf("Expected records conn-1 then conn-2. Got: %v", sigsOf(txs))
	}
}

func TestRelay_SkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("\x01\x02not msgpack"))
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, sampleTx(7, "good-sig")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := newFakeStream(1)
	relay := NewRelay(wsURL(srv), "", fs, quietLogger())
	stop := startRelay(t, relay)
	defer stop()

	waitDone(t, fs.done, "the well-formed record")

	stats := relay.Stats()
	if stats.Malformed != 1 {
		t.Errorf("Expected 1 malformed record. Got: %d", stats.Malformed)
	}
	if txs := fs.appended(); len(txs) != 1 || txs[0].Signature != "good-sig" {
		t.Errorf("Expected only good-sig appended. Got: %v", sigsOf(txs))
	}
}

func TestRelay_CountsAppendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, sampleTx(1, "sig-a")))
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeTx(t, sampleTx(2, "sig-b")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := newFakeStream(0)
	fs.fail = true
	relay := NewRelay(wsURL(srv), "", fs, quietLogger())
	stop := startRelay(t, relay)
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for relay.Stats().AppendErrors < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stats := relay.Stats()
	if stats.AppendErrors != 2 {
		t.Errorf("Expected 2 append errors. Got: %d", stats.AppendErrors)
	}
	if stats.Received != 2 {
		t.Errorf("Expected both records received despite append failures. Got: %d", stats.Received)
	}
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	cases := []struct {
		cur, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{32 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, c := range cases {
		if got := nextBackoff(c.cur, 60*time.Second); got != c.want {
			t.Errorf("Expected backoff after %s to be %s. Got: %s", c.cur, c.want, got)
		}
	}
}

func sigsOf(txs []*models.RawTransaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Signature
	}
	return out
}
