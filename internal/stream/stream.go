package stream

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	// TxStream is the durable ingest stream; every raw transaction
	// enters the pipeline through it.
	TxStream = "stream:tx"

	// ConsumerGroup is the parser group. All consumers share one
	// group so each record is delivered to exactly one of them.
	ConsumerGroup = "parsers"

	// dataField is the single message field carrying the
	// msgpack-encoded RawTransaction.
	dataField = "d"
)

// Record is one delivered stream entry. Tx is nil when the payload
// could not be decoded; such records still carry their ID so the
// caller can acknowledge them.
type Record struct {
	ID string
	Tx *models.RawTransaction
}

// Stream wraps the durable transaction stream with consumer-group
// delivery, at-least-once semantics and idle-entry claiming.
type Stream struct {
	rdb    *redis.Client
	log    *logrus.Logger
	maxLen int64

	malformed atomic.Int64
}

func New(rdb *redis.Client, log *logrus.Logger, maxLen int64) *Stream {
	return &Stream{rdb: rdb, log: log, maxLen: maxLen}
}

// EnsureGroup creates the consumer group from the beginning of the
// stream, creating the stream itself when absent. An already-existing
// group is fine.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, TxStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", ConsumerGroup, err)
	}
	return nil
}

// Append encodes and appends one transaction, trimming approximately
// to the configured max length.
func (s *Stream) Append(ctx context.Context, tx *models.RawTransaction) (string, error) {
	data, err := models.EncodeRawTransaction(tx)
	if err != nil {
		return "", fmt.Errorf("encoding transaction: %w", err)
	}
	return s.AppendRaw(ctx, data)
}

// AppendRaw appends an already-encoded payload.
func (s *Stream) AppendRaw(ctx context.Context, data []byte) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: TxStream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{dataField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to %s: %w", TxStream, err)
	}
	return id, nil
}

// ReadGroup blocks up to block for new records delivered to consumer.
// Undecodable payloads are logged by content hash and returned with a
// nil Tx; the stream never drops their IDs.
func (s *Stream) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Record, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{TxStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading group %s: %w", ConsumerGroup, err)
	}
	return s.decodeStreams(streams), nil
}

// Ack acknowledges processed records.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, TxStream, ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d records: %w", len(ids), err)
	}
	return nil
}

// ClaimIdle transfers ownership of records other consumers left
// pending longer than minIdle. Claimed records flow through the same
// processing path as fresh ones and are acked only after processing.
func (s *Stream) ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Record, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: TxStream,
		Group:  ConsumerGroup,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   TxStream,
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming %d idle entries: %w", len(ids), err)
	}
	return s.decodeMessages(msgs), nil
}

// Length returns the current stream length, acked entries included
// until trimmed.
func (s *Stream) Length(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, TxStream).Result()
}

// TrimMaxLen approximately trims the stream to the configured cap.
func (s *Stream) TrimMaxLen(ctx context.Context) (int64, error) {
	return s.rdb.XTrimMaxLenApprox(ctx, TxStream, s.maxLen, 0).Result()
}

// Lag returns how long the oldest unprocessed record has been waiting.
// Unprocessed covers undelivered entries and delivered entries no
// consumer has acked yet. Zero when the group is fully caught up.
func (s *Stream) Lag(ctx context.Context) (time.Duration, error) {
	groups, err := s.rdb.XInfoGroups(ctx, TxStream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("reading group info: %w", err)
	}
	var lastDelivered string
	for _, g := range groups {
		if g.Name == ConsumerGroup {
			lastDelivered = g.LastDeliveredID
			break
		}
	}
	if lastDelivered == "" {
		return 0, nil
	}

	var oldest int64 // unix millis of the oldest unprocessed entry, 0 = none

	next, err := s.rdb.XRangeN(ctx, TxStream, "("+lastDelivered, "+", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("peeking undelivered entries: %w", err)
	}
	if len(next) > 0 {
		if ms, ok := parseIDMillis(next[0].ID); ok {
			oldest = ms
		}
	}

	pending, err := s.rdb.XPending(ctx, TxStream, ConsumerGroup).Result()
	if err != nil {
		return 0, fmt.Errorf("reading pending summary: %w", err)
	}
	if pending.Count > 0 {
		if ms, ok := parseIDMillis(pending.Lower); ok && (oldest == 0 || ms < oldest) {
			oldest = ms
		}
	}

	if oldest == 0 {
		return 0, nil
	}
	lag := time.Since(time.UnixMilli(oldest))
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// PendingCount returns delivered-but-unacked entries for the group.
func (s *Stream) PendingCount(ctx context.Context) (int64, error) {
	groups, err := s.rdb.XInfoGroups(ctx, TxStream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, err
	}
	for _, g := range groups {
		if g.Name == ConsumerGroup {
			return g.Pending, nil
		}
	}
	return 0, nil
}

// MalformedCount reports how many undecodable payloads were seen.
func (s *Stream) MalformedCount() int64 {
	return s.malformed.Load()
}

func (s *Stream) decodeStreams(streams []redis.XStream) []Record {
	var out []Record
	for _, st := range streams {
		out = append(out, s.decodeMessages(st.Messages)...)
	}
	return out
}

func (s *Stream) decodeMessages(msgs []redis.XMessage) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Record{ID: m.ID, Tx: s.decodePayload(m)})
	}
	return out
}

// decodePayload returns nil for malformed entries. The payload itself
// is never logged; a content hash is enough to correlate repeats.
func (s *Stream) decodePayload(m redis.XMessage) *models.RawTransaction {
	raw, ok := m.Values[dataField]
	if !ok {
		s.malformed.Add(1)
		s.log.WithFields(logrus.Fields{
			"component": "stream",
			"record":    m.ID,
		}).Warn("Stream record missing payload field")
		return nil
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		s.malformed.Add(1)
		return nil
	}
	tx, err := models.DecodeRawTransaction(data)
	if err != nil {
		s.malformed.Add(1)
		sum := sha256.Sum256(data)
		s.log.WithFields(logrus.Fields{
			"component": "stream",
			"record":    m.ID,
			"payload":   fmt.Sprintf("%x", sum[:8]),
		}).Warn("Dropping undecodable stream payload")
		return nil
	}
	return tx
}

func parseIDMillis(id string) (int64, bool) {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
