package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"fwdctl/internal/config"
	"fwdctl/internal/metrics"
	"fwdctl/internal/model"
	"fwdctl/internal/push"
	"fwdctl/internal/telemetry"
	"fwdctl/internal/wsconn"
)

func handleWatch(args []string) {
	fs := pflag.NewFlagSet("watch", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	node := fs.String("node", "", "only print this node")
	record := fs.Bool("record", false, "append rate samples to metrics_path")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if *record && cfg.MetricsPath == "" {
		fatal(errors.New("--record needs metrics_path"))
	}

	log := newLogger(cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	rec := telemetry.New(nil, log)
	if *record {
		rec.SetRecorder(telemetry.RecorderFunc(func(s model.RateSample) {
			if err := metrics.AppendCSV(cfg.MetricsPath, []model.RateSample{s}); err != nil {
				log.Warn().Err(err).Str("path", cfg.MetricsPath).Msg("rate sample not recorded")
			}
		}))
	}
	show := func(st model.NodeLiveState) {
		fmt.Fprintln(os.Stdout, formatNode(st))
	}
	if *node != "" {
		rec.Subscribe(*node, show)
	} else {
		rec.SubscribeAll(show)
	}

	sup := push.New(push.Options{
		Dialer: wsconn.WebsocketDialer{
			HandshakeTimeout: cfg.Server.HandshakeTimeout(),
			ReadLimit:        cfg.Push.ReadLimitBytes,
		},
		Logger:       log,
		BaseInterval: time.Duration(cfg.Push.ReconnectBaseMs) * time.Millisecond,
		MaxAttempts:  cfg.Push.MaxAttempts,
		DialTimeout:  cfg.Server.HandshakeTimeout(),
	})
	sup.Subscribe(rec)

	var once sync.Once
	gaveUp := make(chan error, 1)
	sup.OnStatus(func(s push.Status) {
		log.Debug().Str("status", s.String()).Msg("push channel status")
		if s == push.StatusDisconnected {
			_, err := sup.Status()
			once.Do(func() { gaveUp <- err })
		}
	})

	url := cfg.Server.ChannelURL(cfg.Server.PushPath)
	if err := sup.Open(url); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("initial connect failed, retrying")
	}

	select {
	case <-ctx.Done():
		sup.Close()
	case err := <-gaveUp:
		sup.Close()
		fatal(err)
	}
}

func formatNode(st model.NodeLiveState) string {
	if !st.Online {
		return fmt.Sprintf("%s node=%s offline", st.UpdatedAt.Format(time.RFC3339), st.NodeID)
	}
	if !st.HasInfo {
		return fmt.Sprintf("%s node=%s online", st.UpdatedAt.Format(time.RFC3339), st.NodeID)
	}
	service := "stopped"
	if st.Flags.ServiceRunning {
		service = "running"
	}
	return fmt.Sprintf("%s node=%s online send=%s recv=%s cpu=%.1f%% mem=%.1f%% uptime=%ds service=%s",
		st.UpdatedAt.Format(time.RFC3339), st.NodeID,
		formatRate(st.SendRate), formatRate(st.RecvRate),
		st.CPUPct, st.MemPct, st.Counters.Uptime, service)
}
