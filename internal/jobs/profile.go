package jobs

import (
	"time"

	"fwdctl/internal/model"
)

// Profile is the poll cadence and attempt budget of one job kind. The
// budget bounds how long a stuck job is polled.
type Profile struct {
	Interval    time.Duration
	MaxAttempts int
}

// Ceiling is the longest a job of this profile is polled.
func (p Profile) Ceiling() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// DefaultProfiles are used for kinds without an explicit override.
var DefaultProfiles = map[model.JobKind]Profile{
	model.JobDiagnose:  {Interval: 2 * time.Second, MaxAttempts: 90},
	model.JobSpeedTest: {Interval: 3 * time.Second, MaxAttempts: 100},
	model.JobSelfCheck: {Interval: 1500 * time.Millisecond, MaxAttempts: 200},
}

// fallbackProfile applies to kinds the console does not know about.
var fallbackProfile = Profile{Interval: 2 * time.Second, MaxAttempts: 60}

// Profiles resolves poll profiles, overriding defaults field by field.
type Profiles map[model.JobKind]Profile

// For returns the profile for kind.
func (ps Profiles) For(kind model.JobKind) Profile {
	p, ok := DefaultProfiles[kind]
	if !ok {
		p = fallbackProfile
	}
	if o, ok := ps[kind]; ok {
		if o.Interval > 0 {
			p.Interval = o.Interval
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
	}
	return p
}
