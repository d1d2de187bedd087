package audit_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qtrace/qtrace/internal/audit"
)

func tmpLedger(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.jsonl")
}

func openLedger(t *testing.T, path string) *audit.Ledger {
	t.Helper()
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustAppend(t *testing.T, l *audit.Ledger, kind audit.Kind, payload string) audit.Entry {
	t.Helper()
	e, err := l.Append(kind, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func TestAppendSingleEntry(t *testing.T) {
	l := openLedger(t, tmpLedger(t))
	e := mustAppend(t, l, audit.KindAttach, `{"pid":4242}`)

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != audit.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Kind != audit.KindAttach {
		t.Errorf("kind = %q, want attach", e.Kind)
	}
}

func TestAppendChainsAcrossEntries(t *testing.T) {
	l := openLedger(t, tmpLedger(t))

	e1 := mustAppend(t, l, audit.KindAttach, `{"pid":1}`)
	e2 := mustAppend(t, l, audit.KindCommand, `{"op":"watch"}`)
	e3 := mustAppend(t, l, audit.KindDetach, `{}`)

	if e2.PrevHash != e1.EventHash {
		t.Errorf("entry 2 prev_hash = %q, want entry 1 event_hash %q", e2.PrevHash, e1.EventHash)
	}
	if e3.PrevHash != e2.EventHash {
		t.Errorf("entry 3 prev_hash = %q, want entry 2 event_hash %q", e3.PrevHash, e2.EventHash)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	path := tmpLedger(t)
	l := openLedger(t, path)
	mustAppend(t, l, audit.KindCommand, `{"op":"watch"}`)
	l.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(strings.Replace(string(raw), `"op":"watch"`, `"op":"watcX"`, 1))
	if string(tampered) == string(raw) {
		t.Fatal("payload to tamper with not found in ledger line")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("expected Verify to detect the tampered entry")
	}
}

func TestOpenResumesExistingChain(t *testing.T) {
	path := tmpLedger(t)
	l1 := openLedger(t, path)
	mustAppend(t, l1, audit.KindAttach, `{"pid":1}`)
	l1.Close()

	l2, err := audit.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	e := mustAppend(t, l2, audit.KindCommand, `{"op":"detach"}`)
	if e.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", e.Seq)
	}
}

func TestVerifyEmptyOrMissingFileIsValid(t *testing.T) {
	entries, err := audit.Verify(filepath.Join(t.TempDir(), "never-created.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want empty", entries)
	}
}
