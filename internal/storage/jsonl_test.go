package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/browsersuite/internal/console"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() failed: %v", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("json.Unmarshal(%q) failed: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriterRecordsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "console.jsonl")
	w, err := NewJSONLWriter(path, "run-1", 16, 1)
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}

	w.Observe(console.NewMessage("log", "[MOCHA]", "  ✓ adds two"))
	w.Observe(console.NewMessage("error", "boom"))
	w.Observe(console.NewMessage("log", "[MOCHA_END_PASSED]"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs := readRecords(t, path)
	if len(recs) != 3 {
		t.Fatalf("records = %d; want 3", len(recs))
	}
	if recs[0].RunID != "run-1" {
		t.Fatalf("records[0].RunID = %q; want run-1", recs[0].RunID)
	}
	if recs[0].Seq != 1 || recs[2].Seq != 3 {
		t.Fatalf("sequence = %d..%d; want 1..3", recs[0].Seq, recs[2].Seq)
	}
	if recs[1].Type != "error" || recs[1].Text != "boom" {
		t.Fatalf("records[1] = %+v", recs[1])
	}
	if recs[0].Args != 2 {
		t.Fatalf("records[0].Args = %d; want 2", recs[0].Args)
	}
	if recs[2].Text != console.MochaPassed {
		t.Fatalf("records[2].Text = %q; want end marker", recs[2].Text)
	}
}

func TestJSONLWriterClosed(t *testing.T) {
	w, err := NewJSONLWriter(filepath.Join(t.TempDir(), "console.jsonl"), "", 1, 1)
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := w.Write(Record{Text: "late"}); err == nil {
		t.Fatal("Write() after Close error = nil; want error")
	}
}

func TestJSONLWriterTruncatesLongText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.jsonl")
	w, err := NewJSONLWriter(path, "", 4, 1)
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}
	long := make([]byte, MaxTextBytes+10)
	for i := range long {
		long[i] = 'x'
	}
	w.Observe(console.NewMessage("log", string(long)))
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs := readRecords(t, path)
	if len(recs) != 1 {
		t.Fatalf("records = %d; want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Truncated || rec.OriginalSize != len(long) || len(rec.Text) != MaxTextBytes || rec.SHA256 == "" {
		t.Fatalf("record = truncated %v size %d len %d sha %q", rec.Truncated, rec.OriginalSize, len(rec.Text), rec.SHA256)
	}
}
