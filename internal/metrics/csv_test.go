package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fwdctl/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "rates", "rates.csv")

	s1 := model.RateSample{Timestamp: time.Unix(1, 0).UTC(), NodeID: "n1", Uptime: 10, SendRate: 100}
	s2 := model.RateSample{Timestamp: time.Unix(2, 0).UTC(), NodeID: "n1", Uptime: 12, RecvRate: 50.5}

	if err := AppendCSV(path, []model.RateSample{s1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.RateSample{s2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	items, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(items) != 2 || items[1].RecvRate != 50.5 || items[0].Uptime != 10 {
		t.Fatalf("items=%+v", items)
	}
}

func TestReadCSV_RejectsShortRecord(t *testing.T) {
	t.Parallel()

	_, err := readCSV(strings.NewReader("timestamp,node_id,uptime,send_bps,recv_bps,cpu_pct,mem_pct\n2026-01-01T00:00:00Z,n1,3,4,5,6,7\nbad\n"))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	err := WriteCSV(&b, []model.RateSample{{Timestamp: time.Unix(0, 0), NodeID: "7", SendRate: 1000}})
	if err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if !strings.Contains(b.String(), ",7,0,1000.000,0.000,") {
		t.Fatalf("unexpected csv:\n%s", b.String())
	}
}
