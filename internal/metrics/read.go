package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"fwdctl/internal/model"
)

// ReadCSV loads rate samples from a CSV file.
func ReadCSV(path string) ([]model.RateSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.RateSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.RateSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		uptime, _ := strconv.ParseInt(rec[2], 10, 64)
		send, _ := strconv.ParseFloat(rec[3], 64)
		recv, _ := strconv.ParseFloat(rec[4], 64)
		cpu, _ := strconv.ParseFloat(rec[5], 64)
		mem, _ := strconv.ParseFloat(rec[6], 64)
		items = append(items, model.RateSample{
			Timestamp: ts,
			NodeID:    rec[1],
			Uptime:    uptime,
			SendRate:  send,
			RecvRate:  recv,
			CPUPct:    cpu,
			MemPct:    mem,
		})
	}

	return items, nil
}
