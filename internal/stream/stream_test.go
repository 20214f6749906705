package stream

import (
	"io"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestDedupKey_EmptySignatureUsesRecordID(t *testing.T) {
	if got := DedupKey("", "1700000000000-0"); got != "id:1700000000000-0" {
		t.Errorf("Expected record-id fallback key. Got: %s", got)
	}
	if got := DedupKey("abc123", "1700000000000-0"); got != "abc123" {
		t.Errorf("Expected signature as key. Got: %s", got)
	}
}

func TestParseIDMillis(t *testing.T) {
	ms, ok := parseIDMillis("1700000000123-4")
	if !ok || ms != 1700000000123 {
		t.Errorf("Expected 1700000000123. Got: %d ok=%v", ms, ok)
	}

	if _, ok := parseIDMillis("garbage"); ok {
		t.Error("Expected parse failure for malformed ID")
	}
	if _, ok := parseIDMillis("-5"); ok {
		t.Error("Expected parse failure for empty millis part")
	}
}

func TestDecodePayload_RoundTrip(t *testing.T) {
	s := New(nil, quietLogger(), 1000)
	tx := &models.RawTransaction{Signature: "sig-x", Slot: 42, FeePayer: "wallet"}
	data, err := models.EncodeRawTransaction(tx)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got := s.decodePayload(redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"d": string(data)},
	})

	if got == nil {
		t.Fatal("Expected decoded transaction. Got: nil")
	}
	if got.Signature != "sig-x" || got.Slot != 42 {
		t.Errorf("Expected sig-x/42 after decode. Got: %s/%d", got.Signature, got.Slot)
	}
	if s.MalformedCount() != 0 {
		t.Errorf("Expected no malformed records. Got: %d", s.MalformedCount())
	}
}

func TestDecodePayload_MalformedCountedAndNil(t *testing.T) {
	s := New(nil, quietLogger(), 1000)

	got := s.decodePayload(redis.XMessage{
		ID:     "2-0",
		Values: map[string]interface{}{"d": "not msgpack at all \x00\x01"},
	})
	if got != nil {
		t.Errorf("Expected nil for undecodable payload. Got: %+v", got)
	}

	missing := s.decodePayload(redis.XMessage{
		ID:     "3-0",
		Values: map[string]interface{}{},
	})
	if missing != nil {
		t.Errorf("Expected nil for missing payload field. Got: %+v", missing)
	}

	if s.MalformedCount() != 2 {
		t.Errorf("Expected 2 malformed records counted. Got: %d", s.MalformedCount())
	}
}
