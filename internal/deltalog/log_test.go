package deltalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testLog(t *testing.T, opts Options) *Log {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	l, err := New(opts, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func record(sig, mint string, blockTime int64) *models.TxDeltaRecord {
	return &models.TxDeltaRecord{
		Signature: sig,
		Slot:      100,
		BlockTime: blockTime,
		FeePayer:  "wallet_a",
		Programs:  []string{"prog_1"},
		TokenDeltas: []models.TokenDelta{
			{Owner: "wallet_a", Mint: mint, Amount: "1.5"},
		},
		NativeDeltas: map[string]string{"wallet_a": "-0.5"},
		Mints:        []string{mint},
		Fee:          5000,
	}
}

func TestLog_WriteAndRange(t *testing.T) {
	l := testLog(t, Options{})
	now := time.Now().Unix()

	for i := 0; i < 5; i++ {
		if err := l.write(record(fmt.Sprintf("sig_%d", i), "mint_x", now+int64(i))); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if err := l.write(record("sig_other", "mint_y", now)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	recs, err := l.Range("mint_x", time.Unix(now, 0))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("Expected 5 records for mint_x. Got: %d", len(recs))
	}
	if recs[0].Signature != "sig_0" || recs[4].Signature != "sig_4" {
		t.Errorf("Expected oldest-first ordering. Got: %s .. %s", recs[0].Signature, recs[4].Signature)
	}
	if recs[0].TokenDeltas[0].Amount != "1.5" {
		t.Errorf("Expected token delta to round-trip. Got: %s", recs[0].TokenDeltas[0].Amount)
	}
	if recs[0].NativeDeltas["wallet_a"] != "-0.5" {
		t.Errorf("Expected native delta to round-trip. Got: %s", recs[0].NativeDeltas["wallet_a"])
	}
}

func TestLog_RangeFiltersBySince(t *testing.T) {
	l := testLog(t, Options{})
	base := time.Now().Unix()

	for i := 0; i < 10; i++ {
		if err := l.write(record(fmt.Sprintf("sig_%d", i), "mint_x", base+int64(i)*10)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	recs, err := l.Range("mint_x", time.Unix(base+50, 0))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("Expected 5 records at or after the cutoff. Got: %d", len(recs))
	}
	for _, r := range recs {
		if r.BlockTime < base+50 {
			t.Errorf("Expected block time >= %d. Got: %d", base+50, r.BlockTime)
		}
	}
}

func TestLog_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, Options{Dir: dir, SegmentMaxBytes: 256})

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	base := clock.Unix()

	for i := 0; i < 20; i++ {
		if err := l.write(record(fmt.Sprintf("sig_%d", i), "mint_x", base)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		clock = clock.Add(2 * time.Second)
	}
	l.flush()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("Expected rotation to produce multiple segments. Got: %d", len(entries))
	}
	for _, e := range entries {
		if _, ok := parseSegmentName(e.Name()); !ok {
			t.Errorf("Expected segment naming convention. Got: %s", e.Name())
		}
	}

	// All records must survive across segment boundaries.
	recs, err := l.Range("mint_x", time.Unix(base, 0))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(recs) != 20 {
		t.Errorf("Expected 20 records across segments. Got: %d", len(recs))
	}
}

func TestLog_RotatesByAge(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, Options{Dir: dir, SegmentMaxAge: time.Minute})

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if err := l.write(record("sig_1", "mint_x", clock.Unix())); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	clock = clock.Add(90 * time.Second)
	if err := l.write(record("sig_2", "mint_x", clock.Unix())); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	l.flush()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected age rotation to open a second segment. Got: %d", len(entries))
	}
}

func TestLog_SweepKeepsOpenSegment(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, Options{Dir: dir, Retention: time.Minute, SegmentMaxAge: time.Minute})

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	// An already-expired segment by name, plus a live one the writer opens.
	oldName := segmentPrefix + clock.Add(-3*time.Hour).Format(segmentStamp) + segmentSuffix
	if err := os.WriteFile(filepath.Join(dir, oldName), []byte{0, 0, 0, 1, CodecZstdMsgpack, 0}, 0o644); err != nil {
		t.Fatalf("writing expired segment: %v", err)
	}
	if err := l.write(record("sig_live", "mint_x", clock.Unix())); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	l.mu.Lock()
	openPath := l.segPath
	l.mu.Unlock()

	// Jump past the retention window: the open segment is now expired by
	// name too, but must survive because it is open.
	clock = clock.Add(3 * time.Hour)
	if deleted := l.Sweep(); deleted != 1 {
		t.Errorf("Expected exactly the expired segment deleted. Got: %d", deleted)
	}
	if _, err := os.Stat(filepath.Join(dir, oldName)); !os.IsNotExist(err) {
		t.Error("Expected expired segment to be removed")
	}
	if _, err := os.Stat(openPath); err != nil {
		t.Errorf("Expected open segment to survive sweep: %v", err)
	}
}

func TestLog_AppendDropsWhenQueueFull(t *testing.T) {
	l := testLog(t, Options{QueueSize: 2})
	now := time.Now().Unix()

	if !l.Append(record("sig_1", "m", now)) || !l.Append(record("sig_2", "m", now)) {
		t.Fatal("Expected appends to fit in the queue")
	}
	if l.Append(record("sig_3", "m", now)) {
		t.Error("Expected append to fail once the queue is full")
	}
	if l.Dropped() != 1 {
		t.Errorf("Expected 1 dropped record. Got: %d", l.Dropped())
	}
}

func TestLog_ScanStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, Options{Dir: dir})
	now := time.Now().Unix()

	if err := l.write(record("sig_ok", "mint_x", now)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	l.flush()

	// Simulate a crash mid-frame: header promising more than exists.
	l.mu.Lock()
	path := l.segPath
	l.mu.Unlock()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 1, 0, CodecZstdMsgpack, 0xde, 0xad}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	f.Close()

	recs, err := l.Range("mint_x", time.Unix(now, 0))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Signature != "sig_ok" {
		t.Errorf("Expected the complete frame to be recovered. Got: %d records", len(recs))
	}
}

func TestParseSegmentName(t *testing.T) {
	stamp := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	name := segmentPrefix + stamp.Format(segmentStamp) + segmentSuffix

	got, ok := parseSegmentName(name)
	if !ok {
		t.Fatalf("Expected %s to parse", name)
	}
	if !got.Equal(stamp) {
		t.Errorf("Expected %v. Got: %v", stamp, got)
	}

	for _, bad := range []string{"delta-.log", "delta-20250314.log", "other-20250314-092653.log", "delta-20250314-092653.tmp"} {
		if _, ok := parseSegmentName(bad); ok {
			t.Errorf("Expected %s to be rejected", bad)
		}
	}
}
