package ingest

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	readWait       = 90 * time.Second
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Appender is the durable side of the relay.
type Appender interface {
	Append(ctx context.Context, tx *models.RawTransaction) (string, error)
}

// RelayStats is a point-in-time view of the upstream subscription.
type RelayStats struct {
	Received     int64  `json:"received"`
	Malformed    int64  `json:"malformed"`
	AppendErrors int64  `json:"append_errors"`
	Reconnects   int64  `json:"reconnects"`
	Connected    bool   `json:"connected"`
	LastSlot     uint64 `json:"last_slot"`
}

// Relay subscribes to the upstream transaction feed over websocket and
// appends every record to the durable stream. Durability starts at the
// stream: a dropped upstream connection loses only what the upstream
// won't redeliver, so the relay's one job is to stay connected and
// hand records over with an ingest timestamp.
type Relay struct {
	endpoint string
	token    string
	stream   Appender
	log      *logrus.Logger

	dialer  *websocket.Dialer
	backoff time.Duration
	maxWait time.Duration
	now     func() time.Time

	received   atomic.Int64
	malformed  atomic.Int64
	appendErrs atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
	lastSlot   atomic.Uint64
}

func NewRelay(endpoint, token string, stream Appender, log *logrus.Logger) *Relay {
	return &Relay{
		endpoint: endpoint,
		token:    token,
		stream:   stream,
		log:      log,
		dialer:   websocket.DefaultDialer,
		backoff:  initialBackoff,
		maxWait:  maxBackoff,
		now:      time.Now,
	}
}

// Run blocks until ctx is canceled, reconnecting with exponential
// backoff (1s doubling to 60s). A connection that relays at least one
// record resets the backoff.
func (r *Relay) Run(ctx context.Context) {
	backoff := r.backoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.dial(ctx)
		if err != nil {
			r.log.WithField("component", "ingest").WithError(err).
				Warnf("Upstream dial failed, retrying in %s", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, r.maxWait)
			continue
		}

		r.connected.Store(true)
		r.log.WithFields(logrus.Fields{
			"component": "ingest",
			"endpoint":  r.endpoint,
		}).Info("Connected to upstream stream")

		relayed, err := r.pump(ctx, conn)
		r.connected.Store(false)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if relayed > 0 {
			backoff = r.backoff
		}
		r.reconnects.Add(1)
		r.log.WithField("component", "ingest").WithError(err).
			Warnf("Upstream connection lost, reconnecting in %s", backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, r.maxWait)
	}
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("x-token", r.token)
	}
	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// pump reads until the connection breaks. Records that fail to decode
// or append are counted and skipped; the upstream feed does not wait
// for us.
func (r *Relay) pump(ctx context.Context, conn *websocket.Conn) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)
	go r.keepalive(ctx, conn, done)

	relayed := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return relayed, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		r.received.Add(1)

		tx, err := models.DecodeRawTransaction(data)
		if err != nil {
			r.malformed.Add(1)
			r.log.WithField("component", "ingest").WithError(err).Warn("Malformed upstream record")
			continue
		}
		// Ingest time is stamped here, at receipt: it anchors lag
		// measurement and must come from our clock, not the upstream's.
		tx.IngestTime = r.now().Unix()
		if tx.Slot > r.lastSlot.Load() {
			r.lastSlot.Store(tx.Slot)
		}

		if _, err := r.stream.Append(ctx, tx); err != nil {
			r.appendErrs.Add(1)
			r.log.WithField("component", "ingest").WithError(err).Error("Failed to append upstream record")
			continue
		}
		relayed++
	}
}

// keepalive pings the upstream every 30s and unblocks the read loop
// when ctx is canceled.
func (r *Relay) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.SetReadDeadline(time.Now())
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Stats snapshots the relay counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Received:     r.received.Load(),
		Malformed:    r.malformed.Load(),
		AppendErrors: r.appendErrs.Load(),
		Reconnects:   r.reconnects.Load(),
		Connected:    r.connected.Load(),
		LastSlot:     r.lastSlot.Load(),
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
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
