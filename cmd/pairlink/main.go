// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Pairlink pairs two machines through a shared rendezvous store and
// opens a direct encrypted-capable data channel between them.
//
//	pairlink store                 run the rendezvous store server
//	pairlink open --room <id>      start a session as the initiator
//	pairlink join --room <id>      start a session as the joinee
//
// Once a session is ready, stdin lines are sent to the peer and peer
// payloads are written to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/pairlink/pairlink/keyexchange"
	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/session"
	"github.com/pairlink/pairlink/signalstore"
	"github.com/pairlink/pairlink/transport"
)

const usage = `usage: pairlink <command> [flags]

Commands:
  store   run the rendezvous store server
  open    start a session as the initiator
  join    start a session as the joinee

Run "pairlink <command> --help" for command flags.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "store":
		return runStore(args[1:])
	case "open":
		return runSession(session.RoleInitiator, args[1:])
	case "join":
		return runSession(session.RoleJoinee, args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func runStore(args []string) error {
	flags := pflag.NewFlagSet("pairlink store", pflag.ContinueOnError)
	listen := flags.String("listen", ":8723", "listen address")
	ttl := flags.Duration("ttl", signalstore.DefaultEntryTTL, "room entry lifetime")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := signalstore.NewServer(logger, clock.Real(), *ttl)
	server := &http.Server{
		Addr:    *listen,
		Handler: store.Router(),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("rendezvous store listening", "address", *listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("store server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runSession(role session.Role, args []string) error {
	name := "pairlink open"
	if role == session.RoleJoinee {
		name = "pairlink join"
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	storeURL := flags.String("store", "", "rendezvous store URL (http://, https://, or redis://)")
	room := flags.String("room", "", "rendezvous room ID shared with the peer")
	publisher := flags.String("publisher", "", "store publisher ID (random if empty)")
	iceServers := flags.StringSlice("ice", nil, "ICE server URLs (STUN/TURN)")
	pollInterval := flags.Duration("poll-interval", 0, "discovery poll period (0 uses the default)")
	connectTimeout := flags.Duration("connect-timeout", 0, "transport connect bound (0 uses the default)")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	// Config file values apply only where the flag was left unset.
	if *configPath != "" {
		cfg, err := loadFileConfig(*configPath)
		if err != nil {
			return err
		}
		if *storeURL == "" {
			*storeURL = cfg.StoreURL
		}
		if *room == "" {
			*room = cfg.Room
		}
		if len(*iceServers) == 0 {
			*iceServers = cfg.ICEServers
		}
		if *pollInterval == 0 {
			*pollInterval, _ = cfg.pollInterval()
		}
		if *connectTimeout == 0 {
			*connectTimeout, _ = cfg.connectTimeout()
		}
	}

	if *storeURL == "" {
		*storeURL = "http://127.0.0.1:8723"
	}
	if *room == "" {
		return fmt.Errorf("--room is required")
	}
	if *publisher == "" {
		*publisher = uuid.NewString()
	}

	store, err := buildStore(*storeURL, *publisher)
	if err != nil {
		return err
	}

	var servers []webrtc.ICEServer
	for _, url := range *iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(session.Config{
		Room:           *room,
		Role:           role,
		Store:          store,
		Transport:      transport.NewWebRTC(role == session.RoleInitiator, servers, logger),
		Keys:           keyexchange.NaCl(),
		PollInterval:   *pollInterval,
		ConnectTimeout: *connectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	ready := make(chan struct{}, 1)
	failed := make(chan error, 1)
	err = sess.Start(ctx, session.Handlers{
		PeerConnected: func() {
			logger.Info("peer connected")
		},
		Ready: func() {
			ready <- struct{}{}
		},
		Data: func(payload []byte) {
			fmt.Printf("%s\n", payload)
		},
		Failed: func(err error) {
			failed <- err
		},
	})
	if err != nil {
		return err
	}

	logger.Info("waiting for peer", "room", *room, "role", role.String(), "store", *storeURL)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	case <-ready:
	}

	logger.Info("channel ready, stdin lines go to the peer")
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sess.Send([]byte(line)); err != nil {
				return fmt.Errorf("sending payload: %w", err)
			}
		}
	}
}

// buildStore picks the store client from the URL scheme: redis:// and
// rediss:// use the Redis store, anything else the HTTP client.
func buildStore(storeURL, publisher string) (signalstore.Store, error) {
	if strings.HasPrefix(storeURL, "redis://") || strings.HasPrefix(storeURL, "rediss://") {
		options, err := redis.ParseURL(storeURL)
		if err != nil {
			return nil, fmt.Errorf("parsing store URL: %w", err)
		}
		return signalstore.NewRedisStore(redis.NewClient(options), publisher), nil
	}
	return signalstore.NewHTTPStore(storeURL, publisher, nil), nil
}

// readLines streams stdin lines into a channel, closing it on EOF.
func readLines(r *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
