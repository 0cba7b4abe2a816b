// Package applog writes the proxy's per-request activity log: one JSON
// object per line, rotated daily, under a process-wide write mutex.
//
// Grounded on internal/storage/storage.go's NetworkRequest /
// WriteNetworkRequest / ReadNetworkRequests JSONL-append pattern, adapted
// from a single flat network.jsonl to a daily-rotated api_logs/ directory
// and from per-call file open/close to one kept-open file per day.
package applog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MaxBodyCapture is the fixed cap (10 MiB) on request/response bodies
// recorded in a LogEntry, per spec.md §3.
const MaxBodyCapture = 10 * 1024 * 1024

// LogEntry is one recorded request, proxied or mocked.
type LogEntry struct {
	ID              string            `json:"id"`
	TimestampMs     int64             `json:"timestamp_ms"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Host            string            `json:"host"`
	Path            string            `json:"path"`
	StatusCode      int               `json:"status_code"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Source          string            `json:"source"` // "proxy" or "mock"
	ElapsedMs       int64             `json:"elapsed_ms"`
}

// lastID is the most recently issued NextID value, in Unix milliseconds.
var lastID atomic.Int64

// NextID mints a LogEntry id from the wall clock: the current Unix time in
// milliseconds, bumped one past the previously issued id when two ids fall
// in the same millisecond, so ids strictly increase within a process.
func NextID() string {
	for {
		now := time.Now().UnixMilli()
		last := lastID.Load()
		if now <= last {
			now = last + 1
		}
		if lastID.CompareAndSwap(last, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}

// Writer appends LogEntry records to api_logs/YYYY-MM-DD.jsonl under dir,
// rotating to a new file when the wall-clock date changes. All writes are
// serialized by mu, matching spec.md §5's single log-writer-mutex model.
type Writer struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewWriter prepares a log writer rooted at dir/api_logs. The directory is
// created lazily on first Append.
func NewWriter(dir string) *Writer {
	return &Writer{dir: filepath.Join(dir, "api_logs")}
}

// Append writes entry as one JSON line, opening (or rotating to) the file
// for entry's UTC date if needed.
func (w *Writer) Append(entry LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.UnixMilli(entry.TimestampMs).UTC().Format("2006-01-02")
	if day != w.day || w.file == nil {
		if w.file != nil {
			w.file.Close()
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(w.dir, day+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file for %s: %w", day, err)
		}
		w.file = f
		w.day = day
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	data = append(data, '\n')
	_, err = w.file.Write(data)
	return err
}

// Close closes the currently open log file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadDay reads every LogEntry recorded for the given UTC date
// (YYYY-MM-DD), skipping malformed lines.
func (w *Writer) ReadDay(day string) ([]LogEntry, error) {
	f, err := os.Open(filepath.Join(w.dir, day+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxBodyCapture*2+64*1024)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// BodyCapture wraps a request/response body so every byte read by its
// caller (forwarded to the client or upstream in the usual streaming
// copy) is simultaneously teed into a capped in-memory buffer for
// logging, instead of buffering the full body before forwarding starts.
// Grounded on internal/proxy/proxy.go's captureBody, but where the
// teacher reads the whole capture window with io.ReadFull before handing
// back a reader (fine at its 8 KiB preview cap), this tees as the body
// streams so a multi-megabyte transfer isn't stalled up to the 10 MiB
// cap before the client sees a byte (spec.md §9).
type BodyCapture struct {
	io.ReadCloser
	buf       bytes.Buffer
	truncated bool
}

// CaptureBody returns a BodyCapture tee-ing reads from body. Call Bytes
// and Truncated after the wrapped reader has been fully drained by its
// real destination (the upstream write or the client response copy).
func CaptureBody(body io.ReadCloser) *BodyCapture {
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	return &BodyCapture{ReadCloser: body}
}

func (c *BodyCapture) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		room := MaxBodyCapture - c.buf.Len()
		if room > n {
			room = n
		}
		if room > 0 {
			c.buf.Write(p[:room])
		}
		if room < n {
			c.truncated = true
		}
	}
	return n, err
}

// Bytes returns the bytes captured so far, up to MaxBodyCapture.
func (c *BodyCapture) Bytes() []byte { return c.buf.Bytes() }

// Truncated reports whether the body exceeded MaxBodyCapture.
func (c *BodyCapture) Truncated() bool { return c.truncated }

// HeaderMap lowercases header keys and keeps only the first value per key,
// per spec.md §4.5's "headers are lowercased key -> first-value".
func HeaderMap(h map[string][]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[toLower(k)] = v[0]
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
