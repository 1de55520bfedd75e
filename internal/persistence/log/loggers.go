package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"frontpage.dev/internal/hub"
)

const maxPartsPerHour = 100

// JSONLZstdWriter appends one JSON document per line to an hourly rotated
// zstd file: <baseDir>/<prefix>-YYYY-MM-DD-HH-NN.jsonl.zst. Every open starts
// a new part NN, so a file left with an unterminated frame by a crash is never
// appended to.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Emit the pending zstd block so the line survives a crash.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := w.createPart(hour)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) createPart(hour string) (*os.File, error) {
	for part := 0; part < maxPartsPerHour; part++ {
		f, err := os.OpenFile(w.pathFor(hour, part), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("%s: more than %d files for hour %s", w.prefix, maxPartsPerHour, hour)
}

func (w *JSONLZstdWriter) pathFor(hour string, part int) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s-%02d.jsonl.zst", w.prefix, hour, part))
}

// EventLogger writes one JSONL entry per store change (compressed).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(e hub.Event) error { return l.w.Write(e) }
func (l *EventLogger) Close() error                 { return l.w.Close() }

// SampleLogger writes leaderboard samples (compressed).
type SampleLogger struct{ w *JSONLZstdWriter }

func NewSampleLogger(dataDir string) *SampleLogger {
	return &SampleLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "leaderboard"), "leaderboard")}
}

func (l *SampleLogger) WriteSample(s hub.LeaderboardSample) error { return l.w.Write(s) }
func (l *SampleLogger) Close() error                             { return l.w.Close() }
