package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"fwdctl/internal/model"
)

var (
	errEmptyPayload = errors.New("empty payload")
	errBadStatus    = errors.New("unrecognised status value")
)

// infoPayload is the wire form of an info sample.
type infoPayload struct {
	CPUUsage         *float64     `json:"cpu_usage"`
	MemoryUsage      *float64     `json:"memory_usage"`
	BytesTransmitted *uint64      `json:"bytes_transmitted"`
	BytesReceived    *uint64      `json:"bytes_received"`
	Uptime           *json.Number `json:"uptime"`
	APIEnabled       bool         `json:"api_enabled"`
	ServiceRunning   bool         `json:"service_running"`
	APIConfigured    bool         `json:"api_configured"`
	JobStatus        string       `json:"job_status"`
	JobPort          int          `json:"job_port"`
}

// info is a parsed info sample.
type info struct {
	Counters model.Counters
	CPUPct   float64
	MemPct   float64
	Flags    model.ServiceFlags
}

// parseInfo decodes an info payload. Nodes send either an object or a JSON
// string holding the object. A payload without the counter fields is
// rejected so that it cannot zero the baseline.
func parseInfo(raw json.RawMessage) (info, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return info{}, errEmptyPayload
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return info{}, err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return info{}, errEmptyPayload
		}
		raw = json.RawMessage(inner)
	}

	var p infoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return info{}, err
	}
	if p.Uptime == nil || p.BytesTransmitted == nil || p.BytesReceived == nil {
		return info{}, fmt.Errorf("info payload missing counters")
	}
	uptime, err := parseUptime(*p.Uptime)
	if err != nil {
		return info{}, err
	}

	out := info{
		Counters: model.Counters{
			Uptime:        uptime,
			BytesSent:     *p.BytesTransmitted,
			BytesReceived: *p.BytesReceived,
		},
		Flags: model.ServiceFlags{
			APIEnabled:     p.APIEnabled,
			ServiceRunning: p.ServiceRunning,
			APIConfigured:  p.APIConfigured,
			JobStatus:      p.JobStatus,
			JobPort:        p.JobPort,
		},
	}
	if p.CPUUsage != nil {
		out.CPUPct = *p.CPUUsage
	}
	if p.MemoryUsage != nil {
		out.MemPct = *p.MemoryUsage
	}
	return out, nil
}

// parseUptime accepts integer or fractional seconds; fractions are
// truncated.
func parseUptime(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid uptime %q", n.String())
	}
	return int64(f), nil
}

// parseOnline decodes the boolean-like status value.
func parseOnline(raw json.RawMessage) (bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, errEmptyPayload
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		switch x {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "online", "up":
			return true, nil
		case "0", "false", "offline", "down":
			return false, nil
		}
		if n, err := strconv.Atoi(x); err == nil {
			return n != 0, nil
		}
	}
	return false, fmt.Errorf("%w: %s", errBadStatus, string(raw))
}
