package metrics

import (
	"testing"
	"time"

	"fwdctl/internal/model"
)

func TestSummarize_PerNode(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.RateSample{
		{Timestamp: now.Add(-2 * time.Hour), NodeID: "a", SendRate: 1e9},
		{Timestamp: now.Add(-10 * time.Second), NodeID: "a", SendRate: 100, RecvRate: 10, CPUPct: 10},
		{Timestamp: now.Add(-5 * time.Second), NodeID: "a", SendRate: 300, RecvRate: 30, CPUPct: 30},
		{Timestamp: now.Add(-5 * time.Second), NodeID: "b"},
	}
	got := Summarize(items, now.Add(-time.Minute))
	if len(got) != 2 {
		t.Fatalf("summaries=%d", len(got))
	}
	a := got[0]
	if a.NodeID != "a" || a.Count != 2 {
		t.Fatalf("a=%+v", a)
	}
	if a.AvgSendBps != 200 || a.MaxSendBps != 300 || a.P95SendBps != 300 {
		t.Fatalf("send avg/max/p95=%.1f/%.1f/%.1f", a.AvgSendBps, a.MaxSendBps, a.P95SendBps)
	}
	if a.AvgRecvBps != 20 || a.AvgCPUPct != 20 {
		t.Fatalf("recv=%.1f cpu=%.1f", a.AvgRecvBps, a.AvgCPUPct)
	}
	if got[1].IdleSamples != 1 {
		t.Fatalf("b idle=%d", got[1].IdleSamples)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty=%v", got)
	}
}
