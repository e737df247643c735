package jobs

import (
	"testing"
	"time"

	"fwdctl/internal/model"
)

func TestProfiles_For(t *testing.T) {
	t.Parallel()

	var none Profiles
	if got := none.For(model.JobDiagnose); got != (Profile{Interval: 2 * time.Second, MaxAttempts: 90}) {
		t.Fatalf("diagnose default: %+v", got)
	}
	if got := none.For("mystery"); got != fallbackProfile {
		t.Fatalf("unknown kind: %+v", got)
	}

	ps := Profiles{
		model.JobSpeedTest: {MaxAttempts: 5},
		model.JobSelfCheck: {Interval: time.Second},
	}
	if got := ps.For(model.JobSpeedTest); got != (Profile{Interval: 3 * time.Second, MaxAttempts: 5}) {
		t.Fatalf("speedtest override: %+v", got)
	}
	if got := ps.For(model.JobSelfCheck); got != (Profile{Interval: time.Second, MaxAttempts: 200}) {
		t.Fatalf("selfcheck override: %+v", got)
	}
	if got := ps.For(model.JobSpeedTest).Ceiling(); got != 15*time.Second {
		t.Fatalf("ceiling: %v", got)
	}
}
