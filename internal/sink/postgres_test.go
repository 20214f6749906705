package sink

import (
	"context"
	"io"
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

func newQueueOnlyStore(swapCap, alertCap int) *Store {
	return &Store{
		log:    quietLogger(),
		swaps:  make(chan *models.SwapEvent, swapCap),
		alerts: make(chan *models.Alert, alertCap),
	}
}

func TestAppendSwap_QueueOverflowDrops(t *testing.T) {
	s := newQueueOnlyStore(2, 2)
	for i := 0; i < 3; i++ {
		s.AppendSwap(&models.SwapEvent{Signature: "sig", BaseMint: "mint"})
	}

	st := s.Stats()
	if st.Queued != 2 {
		t.Errorf("Expected 2 queued. Got: %d", st.Queued)
	}
	if st.Dropped != 1 {
		t.Errorf("Expected 1 dropped. Got: %d", st.Dropped)
	}
}

func TestAppendAlert_QueueOverflowDrops(t *testing.T) {
	s := newQueueOnlyStore(2, 1)
	s.AppendAlert(&models.Alert{ID: "a-1", Mint: "mint"})
	s.AppendAlert(&models.Alert{ID: "a-2", Mint: "mint"})

	st := s.Stats()
	if st.Queued != 1 {
		t.Errorf("Expected 1 queued. Got: %d", st.Queued)
	}
	if st.Dropped != 1 {
		t.Errorf("Expected overflow alert dropped. Got: %d", st.Dropped)
	}
}

func TestMarkDelivered_RejectsUnknownChannel(t *testing.T) {
	s := newQueueOnlyStore(1, 1)
	if err := s.MarkDelivered(context.Background(), "a-1", "pager"); err == nil {
		t.Errorf("Expected error for unknown channel")
	}
}

func TestNullHelpers(t *testing.T) {
	if nullString("") != nil {
		t.Errorf("Expected nil for empty string")
	}
	if v := nullString("x"); v == nil || *v != "x" {
		t.Errorf("Expected pointer to value. Got: %v", v)
	}
	if nullFloat(0) != nil {
		t.Errorf("Expected nil for zero float")
	}
	if nullInt(0) != nil {
		t.Errorf("Expected nil for zero int")
	}
	if nullTime(time.Time{}) != nil {
		t.Errorf("Expected nil for zero time")
	}
	now := time.Now()
	if v := nullTime(now); v == nil || !v.Equal(now) {
		t.Errorf("Expected pointer to time. Got: %v", v)
	}
	if deref(nil) != "" {
		t.Errorf("Expected empty string for nil")
	}
}
