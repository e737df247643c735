package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"fwdctl/internal/config"
	"fwdctl/internal/terminal"
	"fwdctl/internal/wsconn"
)

func handleShell(args []string) {
	fs := pflag.NewFlagSet("shell", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	node := fs.String("node", "", "node ID")
	_ = fs.Parse(args)

	if *node == "" {
		fatal(errors.New("--node is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		fatal(errors.New("shell needs an interactive terminal"))
	}

	log := newLogger(cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	ended := make(chan error, 1)
	finish := func(err error) {
		select {
		case ended <- err:
		default:
		}
	}
	handler := terminal.Funcs{
		History: func(data string) { _, _ = io.WriteString(os.Stdout, data) },
		Data:    func(data string) { _, _ = io.WriteString(os.Stdout, data) },
		Exit: func(code int) {
			if code != 0 {
				log.Info().Int("code", code).Msg("remote shell exited")
			}
		},
		State: func(st terminal.State, err error) {
			switch st {
			case terminal.StateStalled:
				log.Warn().Err(err).Msg("remote shell is not responding")
			case terminal.StateClosed:
				finish(err)
			}
		},
	}

	bridge := terminal.New(handler, terminal.Options{
		Dialer:       wsconn.WebsocketDialer{HandshakeTimeout: cfg.Server.HandshakeTimeout()},
		Logger:       log,
		URL:          cfg.Server.ChannelURL(cfg.Server.TerminalPath),
		Heartbeat:    time.Duration(cfg.Terminal.HeartbeatSec) * time.Second,
		StallTimeout: time.Duration(cfg.Terminal.StallTimeoutMs) * time.Millisecond,
		RestartGrace: time.Duration(cfg.Terminal.RestartGraceMs) * time.Millisecond,
		DialTimeout:  cfg.Server.HandshakeTimeout(),
	})

	if err := bridge.Open(ctx, *node, viewport(stdinFd)); err != nil {
		fatal(err)
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		bridge.Close()
		fatal(fmt.Errorf("set terminal raw mode: %w", err))
	}

	resized := make(chan os.Signal, 1)
	signal.Notify(resized, syscall.SIGWINCH)
	defer signal.Stop(resized)
	go func() {
		for range resized {
			if err := bridge.Resize(viewport(stdinFd)); err != nil {
				log.Debug().Err(err).Msg("resize not sent")
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := bridge.SendInput(string(buf[:n])); err != nil {
					log.Debug().Err(err).Msg("input dropped")
				}
			}
			if err != nil {
				finish(nil)
				return
			}
		}
	}()

	var sessionErr error
	select {
	case <-ctx.Done():
	case sessionErr = <-ended:
	}
	bridge.Close()
	_ = term.Restore(stdinFd, oldState)
	fmt.Fprintln(os.Stdout)
	fatal(sessionErr)
}

func viewport(fd int) terminal.Viewport {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return terminal.Viewport{Rows: 24, Cols: 80}
	}
	return terminal.Viewport{Rows: rows, Cols: cols}
}
