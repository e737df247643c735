package model

import "time"

// ServiceFlags are the service indicators a node reports with each info sample.
type ServiceFlags struct {
	APIEnabled     bool   `json:"api_enabled"`
	ServiceRunning bool   `json:"service_running"`
	APIConfigured  bool   `json:"api_configured"`
	JobStatus      string `json:"job_status"`
	JobPort        int    `json:"job_port"`
}

// Counters are the cumulative traffic counters of a node together with the
// monotonic uptime they were read at.
type Counters struct {
	Uptime        int64
	BytesSent     uint64
	BytesReceived uint64
}

// NodeLiveState is the operational state of one forwarding node as seen
// through the push channel.
type NodeLiveState struct {
	NodeID    string
	Online    bool
	HasInfo   bool
	Counters  Counters
	SendRate  float64 // bytes per second
	RecvRate  float64 // bytes per second
	CPUPct    float64
	MemPct    float64
	Flags     ServiceFlags
	UpdatedAt time.Time
}

// ClearInfo drops everything learned from info samples.
func (s *NodeLiveState) ClearInfo() {
	s.HasInfo = false
	s.Counters = Counters{}
	s.SendRate = 0
	s.RecvRate = 0
	s.CPUPct = 0
	s.MemPct = 0
	s.Flags = ServiceFlags{}
}

// RateSample is one derived throughput measurement, recorded for later
// summarising.
type RateSample struct {
	Timestamp time.Time
	NodeID    string
	Uptime    int64
	SendRate  float64
	RecvRate  float64
	CPUPct    float64
	MemPct    float64
}

// JobKind names a server-side long-running operation.
type JobKind string

const (
	JobDiagnose  JobKind = "diagnose"
	JobSpeedTest JobKind = "speedtest"
	JobSelfCheck JobKind = "selfcheck"
)
