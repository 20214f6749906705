package deltalog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// CodecZstdMsgpack is the only codec currently written: msgpack
// payload compressed with zstd. The codec byte leaves room for
// replacements without a directory migration.
const CodecZstdMsgpack byte = 1

const (
	segmentPrefix = "delta-"
	segmentSuffix = ".log"
	segmentStamp  = "20060102-150405"

	// maxFrameBytes bounds a single record; anything larger is
	// treated as corruption.
	maxFrameBytes = 10 << 20
)

// Options configure the log. Zero values take production defaults.
type Options struct {
	Dir             string
	Retention       time.Duration // how long segments are kept
	SegmentMaxAge   time.Duration // rotate after this age
	SegmentMaxBytes int64         // rotate after this size
	QueueSize       int
	FlushEvery      time.Duration
}

func (o *Options) defaults() {
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.SegmentMaxAge <= 0 {
		o.SegmentMaxAge = time.Hour
	}
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = 64 << 20
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
}

// Log is the append-only short-retention record of balance deltas,
// read back when a mint is promoted to HOT. Appends go through a
// bounded queue so the hot path never blocks on disk.
type Log struct {
	opts Options
	log  *logrus.Logger

	queue   chan *models.TxDeltaRecord
	dropped atomic.Int64
	written atomic.Int64

	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time

	mu       sync.Mutex
	f        *os.File
	bw       *bufio.Writer
	segPath  string
	segStart time.Time
	segBytes int64
}

func New(opts Options, log *logrus.Logger) (*Log, error) {
	opts.defaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("delta log directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating delta log dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("initializing zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd decoder: %w", err)
	}
	return &Log{
		opts:  opts,
		log:   log,
		queue: make(chan *models.TxDeltaRecord, opts.QueueSize),
		enc:   enc,
		dec:   dec,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append enqueues a record for the flusher. Best effort: when the
// queue is full the record is dropped and counted rather than
// stalling the consumer.
func (l *Log) Append(rec *models.TxDeltaRecord) bool {
	select {
	case l.queue <- rec:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Run drains the queue to disk until ctx is cancelled, then flushes
// what remains and closes the open segment.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.FlushEvery)
	defer ticker.Stop()

	l.log.WithFields(logrus.Fields{
		"component": "deltalog",
		"dir":       l.opts.Dir,
	}).Info("Delta log flusher started")

	for {
		select {
		case rec := <-l.queue:
			if err := l.write(rec); err != nil {
				l.log.WithField("component", "deltalog").Errorf("Write failed: %v", err)
			}
		case <-ticker.C:
			l.flush()
		case <-ctx.Done():
			l.drain()
			if err := l.Close(); err != nil {
				l.log.WithField("component", "deltalog").Errorf("Close failed: %v", err)
			}
			return
		}
	}
}

func (l *Log) drain() {
	for {
		select {
		case rec := <-l.queue:
			if err := l.write(rec); err != nil {
				l.log.WithField("component", "deltalog").Errorf("Write during drain failed: %v", err)
			}
		default:
			return
		}
	}
}

// write frames one record: u32 big-endian payload length, codec byte,
// payload. The length counts the payload only.
func (l *Log) write(rec *models.TxDeltaRecord) error {
	data, err := models.EncodeDeltaRecord(rec)
	if err != nil {
		return fmt.Errorf("encoding delta record: %w", err)
	}
	payload := l.enc.EncodeAll(data, nil)
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("record of %d bytes exceeds frame limit", len(payload))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureSegmentLocked(l.now()); err != nil {
		return err
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = CodecZstdMsgpack
	if _, err := l.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := l.bw.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	l.segBytes += int64(len(hdr) + len(payload))
	l.written.Add(1)
	return nil
}

// ensureSegmentLocked opens or rotates the active segment. A rotation
// that lands on an existing path (size rotation within one second)
// reopens it in append mode.
func (l *Log) ensureSegmentLocked(now time.Time) error {
	if l.f != nil &&
		l.segBytes < l.opts.SegmentMaxBytes &&
		now.Sub(l.segStart) < l.opts.SegmentMaxAge {
		return nil
	}
	if err := l.closeSegmentLocked(); err != nil {
		return err
	}

	name := segmentPrefix + now.Format(segmentStamp) + segmentSuffix
	path := filepath.Join(l.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat segment %s: %w", name, err)
	}

	l.f = f
	l.bw = bufio.NewWriterSize(f, 64<<10)
	l.segPath = path
	l.segStart = now
	l.segBytes = st.Size()
	l.log.WithFields(logrus.Fields{
		"component": "deltalog",
		"segment":   name,
	}).Debug("Opened delta log segment")
	return nil
}

func (l *Log) closeSegmentLocked() error {
	if l.f == nil {
		return nil
	}
	if err := l.bw.Flush(); err != nil {
		return fmt.Errorf("flushing segment: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("closing segment: %w", err)
	}
	l.f = nil
	l.bw = nil
	l.segPath = ""
	return nil
}

func (l *Log) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bw != nil {
		if err := l.bw.Flush(); err != nil {
			l.log.WithField("component", "deltalog").Errorf("Flush failed: %v", err)
		}
	}
}

// Close flushes and closes the open segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeSegmentLocked()
}

// Sweep deletes segments older than the retention window. The open
// segment is never deleted regardless of age.
func (l *Log) Sweep() int {
	cutoff := l.now().Add(-l.opts.Retention - l.opts.SegmentMaxAge)

	l.mu.Lock()
	open := l.segPath
	l.mu.Unlock()

	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		l.log.WithField("component", "deltalog").Errorf("Sweep readdir failed: %v", err)
		return 0
	}
	deleted := 0
	for _, e := range entries {
		start, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(l.opts.Dir, e.Name())
		if path == open || !start.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			l.log.WithField("component", "deltalog").Warnf("Sweep could not remove %s: %v", e.Name(), err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		l.log.WithFields(logrus.Fields{
			"component": "deltalog",
			"segments":  deleted,
		}).Info("Swept expired delta log segments")
	}
	return deleted
}

// Dropped reports queue-full drops since start.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Written reports records persisted since start.
func (l *Log) Written() int64 { return l.written.Load() }

func parseSegmentName(name string) (time.Time, bool) {
	if len(name) != len(segmentPrefix)+len(segmentStamp)+len(segmentSuffix) {
		return time.Time{}, false
	}
	if name[:len(segmentPrefix)] != segmentPrefix ||
		name[len(name)-len(segmentSuffix):] != segmentSuffix {
		return time.Time{}, false
	}
	stamp := name[len(segmentPrefix) : len(name)-len(segmentSuffix)]
	t, err := time.ParseInLocation(segmentStamp, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
