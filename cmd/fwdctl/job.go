package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"fwdctl/internal/api"
	"fwdctl/internal/config"
	"fwdctl/internal/jobs"
	"fwdctl/internal/model"
	"fwdctl/internal/selfcheck"
	"fwdctl/internal/store"
)

func handleJob(args []string) {
	fs := pflag.NewFlagSet("job", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	node := fs.String("node", "", "node ID")
	kind := fs.String("kind", string(model.JobDiagnose), "job kind: diagnose, speedtest or selfcheck")
	_ = fs.Parse(args)

	if *node == "" {
		fatal(errors.New("--node is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	jobKind := model.JobKind(*kind)
	if jobKind != model.JobSelfCheck {
		if err := config.Validate(cfg); err != nil {
			fatal(err)
		}
	}

	log := newLogger(cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	local := selfcheck.NewRunner(selfcheck.Options{
		Servers: cfg.SelfCheck.STUNServers,
		Timeout: time.Duration(cfg.SelfCheck.TimeoutSec) * time.Second,
		Logger:  log,
	})
	defer local.Close()

	var remote jobs.Runner
	if cfg.Server.URL != "" {
		remote = api.NewClient(config.NormalizeBaseURL(cfg.Server.URL))
	}
	mux := jobs.NewMux(remote)
	mux.Handle(model.JobSelfCheck, local)

	poller := jobs.NewPoller(mux, jobs.Options{Logger: log, Profiles: jobProfiles(cfg)})
	defer poller.Close()

	finished := make(chan jobs.Snapshot, 1)
	var printed string
	poller.Subscribe(func(s jobs.Snapshot) {
		if s.NodeID != *node || s.Kind != jobKind {
			return
		}
		if strings.HasPrefix(s.Content, printed) {
			fmt.Fprint(os.Stdout, s.Content[len(printed):])
		} else {
			fmt.Fprint(os.Stdout, "\n--- output resynchronised ---\n"+s.Content)
		}
		printed = s.Content
		if s.Status == jobs.StatusRunning {
			return
		}
		if printed != "" && !strings.HasSuffix(printed, "\n") {
			fmt.Fprintln(os.Stdout)
		}
		select {
		case finished <- s:
		default:
		}
	})

	snap, err := poller.Start(ctx, *node, jobKind)
	if err != nil {
		fatal(err)
	}

	var result jobs.Snapshot
	select {
	case result = <-finished:
	case <-ctx.Done():
		poller.Cancel(*node, jobKind)
		result = snap
		result.Status = jobs.StatusCancelled
		result.Err = jobs.ErrJobCancelled
	}

	if cfg.HistoryPath != "" && result.Status != jobs.StatusCancelled {
		if err := store.AppendHistory(cfg.HistoryPath, historyRecord(result), 0); err != nil {
			log.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("job not archived")
		}
	}

	switch result.Status {
	case jobs.StatusDone:
		fmt.Fprintf(os.Stderr, "%s finished on node %s in %dms\n", jobKind, *node, result.TimeMs)
	default:
		fatal(fmt.Errorf("%s on node %s: %w", jobKind, *node, result.Err))
	}
}

func historyRecord(s jobs.Snapshot) store.JobRecord {
	rec := store.JobRecord{
		RequestID:  s.RequestID,
		NodeID:     s.NodeID,
		Kind:       string(s.Kind),
		Status:     string(s.Status),
		StartedAt:  s.CreatedAt.UTC(),
		FinishedAt: s.LastPollAt.UTC(),
		Attempts:   s.Attempts,
		TimeMs:     s.TimeMs,
		Output:     s.Content,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}
