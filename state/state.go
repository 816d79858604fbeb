// Package state keeps a journal of which messages were already delivered to
// which output format, so a re-run only exports what is still missing.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/pst-export/model"
)

// FileName is the journal inside the state directory.
const FileName = "exported.jsonl"

// Key identifies one message delivered to one output format.
type Key struct {
	Format string `json:"format"`
	Hash   string `json:"hash"`
}

// Valid reports whether k can be recorded. The zero Key never is.
func (k Key) Valid() bool {
	return k.Format != "" && k.Hash != ""
}

// Entry describes a delivery.
type Entry struct {
	RunID      string    `json:"run_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	ExportedAt time.Time `json:"exported_at"`
}

type Ledger interface {
	Exported(k Key) bool
	// MarkExported records k. The first entry for a key wins.
	MarkExported(k Key, e Entry) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Exported  int
	PerFormat map[string]int
}

// MemoryLedger is a Ledger that lives for one process.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[Key]Entry)}
}

func (m *MemoryLedger) Exported(k Key) bool {
	if !k.Valid() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[k]
	return ok
}

func (m *MemoryLedger) MarkExported(k Key, e Entry) error {
	m.add(k, e)
	return nil
}

// add stores e unless k is invalid or already known, and reports whether it did.
func (m *MemoryLedger) add(k Key, e Entry) bool {
	if !k.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; ok {
		return false
	}
	m.entries[k] = e
	return true
}

func (m *MemoryLedger) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Exported: len(m.entries), PerFormat: make(map[string]int)}
	for k := range m.entries {
		s.PerFormat[k.Format]++
	}
	return s
}

// journalLine is one line of the state file.
type journalLine struct {
	Key
	Entry
}

// FileLedger is a MemoryLedger backed by an append-only JSON-lines journal.
type FileLedger struct {
	index *MemoryLedger
	path  string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewFileLedger replays dir/FileName, creating dir when needed, and opens the
// journal for appending.
func NewFileLedger(dir string) (*FileLedger, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	l := &FileLedger{index: NewMemoryLedger(), path: filepath.Join(dir, FileName)}
	if err := l.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	l.file = file
	l.buf = bufio.NewWriterSize(file, 64*1024)
	l.enc = json.NewEncoder(l.buf)
	return l, nil
}

// Path is the location of the journal.
func (l *FileLedger) Path() string {
	return l.path
}

func (l *FileLedger) replay() error {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line journalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("parse state line %d: %w", n, err)
		}
		// lines without a format predate per-format keys
		l.index.add(line.Key, line.Entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

func (l *FileLedger) Exported(k Key) bool {
	return l.index.Exported(k)
}

func (l *FileLedger) Snapshot() Snapshot {
	return l.index.Snapshot()
}

func (l *FileLedger) MarkExported(k Key, e Entry) error {
	if e.ExportedAt.IsZero() {
		e.ExportedAt = time.Now().UTC()
	}
	if !l.index.add(k, e) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		return errors.New("state file is closed")
	}
	if err := l.enc.Encode(journalLine{Key: k, Entry: e}); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

// Flush pushes buffered lines to disk.
func (l *FileLedger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flush()
}

func (l *FileLedger) flush() error {
	if l.file == nil {
		return nil
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	err := l.flush()
	if cerr := l.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close state file: %w", cerr)
	}
	l.file, l.buf, l.enc = nil, nil, nil
	return err
}

// Pending drops the records format already received. Only structured records
// with a non-empty signature are tracked; the rest always pass with an invalid Key.
// keys is parallel to kept.
func Pending(l Ledger, format string, records []*model.Record, sign func(*model.Record) string) (kept []*model.Record, keys []Key) {
	kept = make([]*model.Record, 0, len(records))
	keys = make([]Key, 0, len(records))
	for _, r := range records {
		var k Key
		if r.Quality == model.QualityStructured {
			k = Key{Format: format, Hash: sign(r)}
		}
		if l.Exported(k) {
			continue
		}
		kept = append(kept, r)
		keys = append(keys, k)
	}
	return kept, keys
}
