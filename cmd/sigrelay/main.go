// Command sigrelay is a WebRTC signaling relay.
//
// Clients connect over WebSocket and exchange text frames: the latest offer
// and answer are stored and pushed to every client (including ones that join
// later), and ICE candidates are fanned out to every other client.
//
// Configuration comes from an optional YAML file (-config) and flags; run
// with -h for the list.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/sigrelay/internal/config"
	"github.com/1ureka/sigrelay/internal/metrics"
	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/relay"
	"github.com/1ureka/sigrelay/internal/session"
	"github.com/1ureka/sigrelay/internal/signaling"
	"github.com/1ureka/sigrelay/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRelay(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println("Sigrelay — v" + version)
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

func run(ctx context.Context, cfg config.Relay) error {
	m, err := metrics.New()
	if err != nil {
		return err
	}
	stats := util.NewStats()

	hub := relay.NewHub(session.NewStore(), relay.Options{
		MaxConns:             cfg.MaxConnections,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		MaxSendFailures:      cfg.MaxSendFailures,
		EchoCandidates:       cfg.EchoCandidates,
		Classify:             protocol.Options{SniffOffers: cfg.LegacyOfferSniff},
	}, m, stats)

	srv := signaling.NewServer(hub, m, signaling.Options{
		MaxFrameBytes: cfg.MaxFrameBytes,
		WriteTimeout:  cfg.WriteTimeout,
		PingInterval:  cfg.PingInterval,
		IdleTimeout:   cfg.IdleTimeout,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, stats, cfg.StatsInterval)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(listener)
	}()
	srv.SetReady(true)
	util.LogSuccess("listening on %s (ws://%s/ws)", listener.Addr(), listener.Addr())

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	util.LogInfo("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(httpSrv.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
}
