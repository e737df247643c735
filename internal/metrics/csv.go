package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fwdctl/internal/model"
)

var header = []string{
	"timestamp",
	"node_id",
	"uptime",
	"send_bps",
	"recv_bps",
	"cpu_pct",
	"mem_pct",
}

// WriteCSV writes rate samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.RateSample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends samples to path, writing the header when the file is new.
func AppendCSV(path string, items []model.RateSample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.RateSample) error {
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.NodeID,
			strconv.FormatInt(s.Uptime, 10),
			strconv.FormatFloat(s.SendRate, 'f', 3, 64),
			strconv.FormatFloat(s.RecvRate, 'f', 3, 64),
			strconv.FormatFloat(s.CPUPct, 'f', 2, 64),
			strconv.FormatFloat(s.MemPct, 'f', 2, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
