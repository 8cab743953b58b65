package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const (
	segmentExt  = ".wal"
	segmentPerm = 0644
	maxLineSize = 4 << 20
)

// ErrFull is returned when a write would push the log past its disk budget.
var ErrFull = errors.New("wal: disk budget exhausted")

// WALRepository is a file-based write-ahead log of queue envelopes. It holds
// raw enqueues while Redis is unreachable. Each record is one line,
// "<crc32 hex> <json>", synced before Write returns.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu        sync.Mutex
	active    *os.File
	activeSeq uint64
	// activeSize and totalSize are tracked in memory; the directory is only
	// scanned on open and after truncation.
	activeSize int64
	totalSize  int64
	// replayed lists the segments covered by the last successful Replay.
	replayed []string
}

// NewWALRepository opens the log in dir, appending to its newest segment.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}
	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal"),
	}
	if err := w.resume(); err != nil {
		return nil, err
	}
	return w, nil
}

func encodeRecord(env domain.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for WAL: %w", err)
	}
	line := make([]byte, 0, len(payload)+10)
	line = fmt.Appendf(line, "%08x ", crc32.ChecksumIEEE(payload))
	line = append(line, payload...)
	return append(line, '\n'), nil
}

// decodeRecord rejects lines whose checksum does not match, which covers a
// record torn by a crash mid-write.
func decodeRecord(line []byte) (domain.Envelope, error) {
	var env domain.Envelope
	sum, payload, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(sum) != 8 {
		return env, errors.New("missing checksum")
	}
	want, err := strconv.ParseUint(string(sum), 16, 32)
	if err != nil {
		return env, fmt.Errorf("bad checksum: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != uint32(want) {
		return env, errors.New("checksum mismatch")
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, err
	}
	return env, nil
}

// Write appends env and syncs it to disk.
func (w *WALRepository) Write(ctx context.Context, env domain.Envelope) error {
	line, err := encodeRecord(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.totalSize+int64(len(line)) > w.maxTotalSize {
		return fmt.Errorf("%w: %d of %d bytes used", ErrFull, w.totalSize, w.maxTotalSize)
	}
	if w.active == nil {
		if err := w.openNext(); err != nil {
			return err
		}
	}

	n, err := w.active.Write(line)
	w.activeSize += int64(n)
	w.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL segment: %w", err)
	}

	if w.activeSize >= w.maxSegmentSize {
		if err := w.openNext(); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}
	return nil
}

// Replay calls handler for every record, oldest segment first. A handler
// error stops the replay and leaves every segment in place. On success the
// log moves to a fresh segment so Truncate can drop exactly what was replayed.
func (w *WALRepository) Replay(ctx context.Context, handler func(env domain.Envelope) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeActive()
	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) > 0 {
		w.logger.Info("Starting WAL replay", "segment_count", len(segments))
	}

	var count int
	for _, path := range segments {
		n, err := w.replaySegment(ctx, path, handler)
		count += n
		if err != nil {
			return err
		}
	}

	w.replayed = append([]string{}, segments...)
	if len(segments) > 0 {
		w.logger.Info("WAL replay completed", "records", count)
	}
	return w.openNext()
}

func (w *WALRepository) replaySegment(ctx context.Context, path string, handler func(env domain.Envelope) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		env, err := decodeRecord(scanner.Bytes())
		if err != nil {
			w.logger.Warn("Skipping unreadable WAL record", "segment", filepath.Base(path), "line", lineNo, "error", err)
			continue
		}
		if err := handler(env); err != nil {
			w.logger.Error("WAL replay handler failed, stopping replay", "transaction_id", env.TransactionID, "error", err)
			return count, fmt.Errorf("replay handler failed: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return count, nil
}

// Truncate removes the segments covered by the last Replay, or every
// segment when nothing was replayed.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	victims := w.replayed
	w.replayed = nil
	if victims == nil {
		w.closeActive()
		var err error
		if victims, err = w.segments(); err != nil {
			return err
		}
	}

	for _, path := range victims {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Error("Failed to remove WAL segment", "path", path, "error", err)
		}
	}
	w.logger.Info("WAL truncated", "segments", len(victims))

	if w.active == nil {
		return w.resume()
	}
	total, err := w.diskUsage()
	if err != nil {
		return err
	}
	w.totalSize = total
	return nil
}

// resume reopens the newest segment for appending, or starts the first one.
func (w *WALRepository) resume() error {
	segments, err := w.segments()
	if err != nil {
		return err
	}
	if w.totalSize, err = w.diskUsage(); err != nil {
		return err
	}
	if len(segments) == 0 {
		return w.openNext()
	}

	newest := segments[len(segments)-1]
	w.activeSeq = segmentSeq(newest)
	info, err := os.Stat(newest)
	if err != nil {
		return fmt.Errorf("failed to stat segment %s: %w", newest, err)
	}
	if info.Size() >= w.maxSegmentSize {
		return w.openNext()
	}
	f, err := os.OpenFile(newest, os.O_APPEND|os.O_WRONLY, segmentPerm)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", newest, err)
	}
	w.active = f
	w.activeSize = info.Size()
	w.logger.Info("Resumed WAL segment", "path", newest, "size", w.activeSize)
	return nil
}

// openNext closes the active segment and starts the next in sequence.
func (w *WALRepository) openNext() error {
	w.closeActive()
	w.activeSeq++
	path := filepath.Join(w.dir, fmt.Sprintf("%020d%s", w.activeSeq, segmentExt))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, segmentPerm)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment %s: %w", path, err)
	}
	w.active = f
	w.activeSize = 0
	w.logger.Debug("Opened WAL segment", "path", path)
	return nil
}

func (w *WALRepository) closeActive() {
	if w.active == nil {
		return
	}
	if err := w.active.Sync(); err != nil {
		w.logger.Error("Failed to sync WAL segment", "error", err)
	}
	if err := w.active.Close(); err != nil {
		w.logger.Error("Failed to close WAL segment", "error", err)
	}
	w.active = nil
}

func segmentSeq(path string) uint64 {
	seq, _ := strconv.ParseUint(strings.TrimSuffix(filepath.Base(path), segmentExt), 10, 64)
	return seq
}

// segments lists segment files oldest first. Names are zero padded, so
// lexical order is sequence order.
func (w *WALRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentExt) {
			out = append(out, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *WALRepository) diskUsage() (int64, error) {
	segments, err := w.segments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Close syncs and closes the active segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil
	}
	err := w.active.Close()
	w.active = nil
	return err
}
