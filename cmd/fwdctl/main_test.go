package main

import (
	"strings"
	"testing"
	"time"

	"fwdctl/internal/config"
	"fwdctl/internal/jobs"
	"fwdctl/internal/model"
)

func TestFormatRate(t *testing.T) {
	t.Parallel()

	cases := map[float64]string{
		0:               "0B/s",
		512:             "512B/s",
		2048:            "2.00KiB/s",
		3 * (1 << 20):   "3.00MiB/s",
		1.5 * (1 << 30): "1.50GiB/s",
	}
	for in, want := range cases {
		if got := formatRate(in); got != want {
			t.Fatalf("formatRate(%v)=%q want %q", in, got, want)
		}
	}
}

func TestFormatNode(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	offline := formatNode(model.NodeLiveState{NodeID: "7", UpdatedAt: at})
	if offline != "2026-02-03T04:05:06Z node=7 offline" {
		t.Fatalf("offline=%q", offline)
	}

	online := formatNode(model.NodeLiveState{
		NodeID:    "7",
		Online:    true,
		HasInfo:   true,
		SendRate:  1000,
		CPUPct:    12.5,
		Counters:  model.Counters{Uptime: 105},
		Flags:     model.ServiceFlags{ServiceRunning: true},
		UpdatedAt: at,
	})
	for _, part := range []string{"send=1000B/s", "recv=0B/s", "cpu=12.5%", "uptime=105s", "service=running"} {
		if !strings.Contains(online, part) {
			t.Fatalf("online=%q missing %q", online, part)
		}
	}
}

func TestJobProfiles(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Jobs: config.JobsConfig{Profiles: map[string]config.JobProfile{
		"speedtest": {IntervalMs: 500, MaxAttempts: 4},
	}}}
	got := jobProfiles(cfg).For(model.JobSpeedTest)
	if got != (jobs.Profile{Interval: 500 * time.Millisecond, MaxAttempts: 4}) {
		t.Fatalf("profile=%+v", got)
	}
}

func TestHistoryRecord(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	rec := historyRecord(jobs.Snapshot{
		RequestID:  "r1",
		NodeID:     "7",
		Kind:       model.JobDiagnose,
		Status:     jobs.StatusTimedOut,
		CreatedAt:  start,
		LastPollAt: start.Add(3 * time.Minute),
		Attempts:   90,
		Content:    "partial",
		Err:        jobs.ErrJobTimeout,
	})
	if rec.Status != "timed_out" || rec.Kind != "diagnose" || rec.Attempts != 90 {
		t.Fatalf("rec=%+v", rec)
	}
	if rec.Error != jobs.ErrJobTimeout.Error() || rec.Output != "partial" {
		t.Fatalf("rec=%+v", rec)
	}
	if !rec.FinishedAt.Equal(start.Add(3 * time.Minute)) {
		t.Fatalf("finished=%v", rec.FinishedAt)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" stun.a:3478, ,stun.b:3478 ")
	if len(got) != 2 || got[0] != "stun.a:3478" || got[1] != "stun.b:3478" {
		t.Fatalf("got=%v", got)
	}
}
