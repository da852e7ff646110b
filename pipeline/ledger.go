package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Ledger is the append-only record of processed session sources. Each line
// is "<source-id>|<mtime-unix-ms>"; a source is reprocessed only when its
// file modification time moves past the recorded one.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]int64 // source id -> mtime ms
}

// OpenLedger loads (or creates) the ledger at path. Unparseable lines are
// ignored rather than failing the run.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]int64)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, ms, ok := parseLedgerLine(line)
		if !ok {
			continue
		}
		// Later lines win; the file is append-only.
		if prev, seen := l.entries[id]; !seen || ms > prev {
			l.entries[id] = ms
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return l, nil
}

func parseLedgerLine(line string) (string, int64, bool) {
	idx := strings.LastIndexByte(line, '|')
	if idx <= 0 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(line[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return line[:idx], ms, true
}

// Processed reports whether sourceID was already consolidated at or after
// the given modification time.
func (l *Ledger) Processed(sourceID string, mtime time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ms, ok := l.entries[sourceID]
	return ok && ms >= mtime.UnixMilli()
}

// Record appends a processed source to the ledger file and the in-memory
// index. The write is flushed before returning so a crash after Record
// never reprocesses the source.
func (l *Ledger) Record(sourceID string, mtime time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	ms := mtime.UnixMilli()
	if _, err := fmt.Fprintf(f, "%s|%d\n", sourceID, ms); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	if prev, seen := l.entries[sourceID]; !seen || ms > prev {
		l.entries[sourceID] = ms
	}
	return nil
}

// Len returns the number of distinct recorded sources.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
