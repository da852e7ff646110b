package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerMissingFile(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
	if l.Processed("sess-1", time.Now()) {
		t.Error("empty ledger reported a source as processed")
	}
}

func TestLedgerRecordAndProcessed(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := l.Record("sess-1", mtime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if !l.Processed("sess-1", mtime) {
		t.Error("same mtime should be processed")
	}
	if !l.Processed("sess-1", mtime.Add(-time.Hour)) {
		t.Error("older mtime should be processed")
	}
	if l.Processed("sess-1", mtime.Add(time.Second)) {
		t.Error("newer mtime should require reprocessing")
	}
	if l.Processed("sess-2", mtime) {
		t.Error("unrecorded source reported processed")
	}
}

func TestLedgerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := l.Record("sess-1", mtime); err != nil {
		t.Fatal(err)
	}
	if err := l.Record("sess-1", mtime.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := l.Record("sess|odd", mtime); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if reloaded.Len() != 2 {
		t.Errorf("Len = %d, want 2", reloaded.Len())
	}
	if !reloaded.Processed("sess-1", mtime.Add(time.Hour)) {
		t.Error("latest recorded mtime lost on reload")
	}
	if !reloaded.Processed("sess|odd", mtime) {
		t.Error("source id containing the separator lost on reload")
	}
}

func TestLedgerSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	content := "no separator here\nsess-1|notanumber\n\nsess-2|1740823200000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
	if !l.Processed("sess-2", time.UnixMilli(1740823200000)) {
		t.Error("valid line among garbage was dropped")
	}
}
