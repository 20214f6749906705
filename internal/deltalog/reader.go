package deltalog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Range returns records touching mint with a block time at or after
// since, oldest first. It flushes the open segment first so a backfill
// triggered moments after a burst still sees those records.
func (l *Log) Range(mint string, since time.Time) ([]*models.TxDeltaRecord, error) {
	l.flush()

	segments, err := l.segmentsSince(since)
	if err != nil {
		return nil, err
	}

	var out []*models.TxDeltaRecord
	sinceUnix := since.Unix()
	for _, path := range segments {
		recs, err := l.scanSegment(path, mint, sinceUnix)
		if err != nil {
			// A truncated tail on the open segment is expected;
			// anything else is corruption worth surfacing.
			l.log.WithField("component", "deltalog").Warnf("Scan of %s stopped: %v", filepath.Base(path), err)
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockTime < out[j].BlockTime })
	return out, nil
}

// segmentsSince lists segment paths that can contain records at or
// after since, oldest first. A segment's name carries its start time;
// one started before the window may still run into it, so the filter
// backs off by the rotation age.
func (l *Log) segmentsSince(since time.Time) ([]string, error) {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing delta log dir: %w", err)
	}
	floor := since.Add(-l.opts.SegmentMaxAge)

	type seg struct {
		path  string
		start time.Time
	}
	var segs []seg
	for _, e := range entries {
		start, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		if start.Before(floor) {
			continue
		}
		segs = append(segs, seg{path: filepath.Join(l.opts.Dir, e.Name()), start: start})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start.Before(segs[j].start) })

	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

func (l *Log) scanSegment(path, mint string, sinceUnix int64) ([]*models.TxDeltaRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	var out []*models.TxDeltaRecord
	r := bufio.NewReaderSize(f, 64<<10)
	var hdr [5]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("reading frame header: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		codec := hdr[4]
		if length == 0 || length > maxFrameBytes {
			return out, fmt.Errorf("implausible frame length %d", length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return out, fmt.Errorf("reading frame payload: %w", err)
		}
		if codec != CodecZstdMsgpack {
			// Unknown codec: skip the frame, keep scanning.
			continue
		}
		data, err := l.dec.DecodeAll(payload, nil)
		if err != nil {
			return out, fmt.Errorf("decompressing frame: %w", err)
		}
		rec, err := models.DecodeDeltaRecord(data)
		if err != nil {
			return out, fmt.Errorf("decoding frame: %w", err)
		}
		if rec.BlockTime < sinceUnix || !rec.Touches(mint) {
			continue
		}
		out = append(out, rec)
	}
}
