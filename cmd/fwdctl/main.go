package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"fwdctl/internal/config"
	"fwdctl/internal/jobs"
	"fwdctl/internal/metrics"
	"fwdctl/internal/model"
	"fwdctl/internal/store"
)

const usage = `fwdctl - live console for a fleet of forwarding nodes

Usage:
  fwdctl watch --config <path> [--node <id>] [--record]
  fwdctl job --config <path> --node <id> --kind diagnose|speedtest|selfcheck
  fwdctl shell --config <path> --node <id>
  fwdctl stats --config <path> [--window 5m] [--path <csv>]
  fwdctl history --config <path> [--node <id>] [--limit 20]
  fwdctl config init --config <path> --server <url>

Settings may also come from FWDCTL_* environment variables
(e.g. FWDCTL_SERVER_URL) when --config is omitted.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "watch":
		handleWatch(os.Args[2:])
	case "job":
		handleJob(os.Args[2:])
	case "shell":
		handleShell(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleConfig(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "config subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "init" {
		fmt.Fprintf(os.Stderr, "unknown config subcommand %q\n", args[0])
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("config init", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "management server base URL")
	metricsPath := fs.String("metrics-path", "", "rate sample CSV path")
	historyPath := fs.String("history-path", "", "job history archive path")
	stunList := fs.String("stun", "", "comma-separated STUN servers for self-checks")
	_ = fs.Parse(args[1:])

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg := config.Config{
		Server:      config.ServerConfig{URL: *server},
		MetricsPath: *metricsPath,
		HistoryPath: *historyPath,
	}
	if *stunList != "" {
		cfg.SelfCheck.STUNServers = splitList(*stunList)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleStats(args []string) {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "rate sample CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	metricsPath := firstNonEmpty(*path, cfg.MetricsPath)
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summaries := metrics.Summarize(items, cutoff)
	if len(summaries) == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	for _, s := range summaries {
		fmt.Fprintf(os.Stdout, "node=%s samples=%d from=%s to=%s idle=%d\n", s.NodeID, s.Count, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339), s.IdleSamples)
		fmt.Fprintf(os.Stdout, "  send avg=%s p95=%s max=%s\n", formatRate(s.AvgSendBps), formatRate(s.P95SendBps), formatRate(s.MaxSendBps))
		fmt.Fprintf(os.Stdout, "  recv avg=%s p95=%s max=%s\n", formatRate(s.AvgRecvBps), formatRate(s.P95RecvBps), formatRate(s.MaxRecvBps))
		fmt.Fprintf(os.Stdout, "  cpu avg=%.1f%% mem avg=%.1f%%\n", s.AvgCPUPct, s.AvgMemPct)
	}
}

func handleHistory(args []string) {
	fs := pflag.NewFlagSet("history", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	node := fs.String("node", "", "only show jobs of this node")
	limit := fs.Int("limit", 20, "number of most recent jobs to show")
	showOutput := fs.Bool("output", false, "print job output")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.HistoryPath == "" {
		fatal(errors.New("history_path is not configured"))
	}

	h, err := store.LoadHistory(cfg.HistoryPath)
	if err != nil {
		fatal(err)
	}
	records := h.ForNode(*node)
	if *limit > 0 && len(records) > *limit {
		records = records[len(records)-*limit:]
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no jobs recorded")
		return
	}
	for _, rec := range records {
		fmt.Fprintf(os.Stdout, "%s node=%s kind=%s status=%s attempts=%d time=%dms\n",
			rec.FinishedAt.Format(time.RFC3339), rec.NodeID, rec.Kind, rec.Status, rec.Attempts, rec.TimeMs)
		if rec.Error != "" {
			fmt.Fprintf(os.Stdout, "  error: %s\n", rec.Error)
		}
		if *showOutput && rec.Output != "" {
			fmt.Fprintln(os.Stdout, indent(rec.Output, "  | "))
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func jobProfiles(cfg config.Config) jobs.Profiles {
	out := jobs.Profiles{}
	for kind, p := range cfg.Jobs.Profiles {
		out[model.JobKind(kind)] = jobs.Profile{
			Interval:    time.Duration(p.IntervalMs) * time.Millisecond,
			MaxAttempts: p.MaxAttempts,
		}
	}
	return out
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatRate(bps float64) string {
	switch {
	case bps >= 1<<30:
		return fmt.Sprintf("%.2fGiB/s", bps/(1<<30))
	case bps >= 1<<20:
		return fmt.Sprintf("%.2fMiB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.2fKiB/s", bps/(1<<10))
	}
	return fmt.Sprintf("%.0fB/s", bps)
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
