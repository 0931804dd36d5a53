// Command sigpeer is a WebRTC peer that meets its counterpart through sigrelay.
//
// One instance runs as sender (publishes the offer), another as receiver
// (answers it). Once the DataChannel opens, the relay is no longer used and
// lines typed on stdin are sent to the other side.
//
// It can be launched interactively (no -role) or non-interactively via
// flags (-role, -url, -stun, -tag-offers, -config).
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/sigrelay/internal/adapter"
	"github.com/1ureka/sigrelay/internal/config"
	"github.com/1ureka/sigrelay/internal/signaling"
	"github.com/1ureka/sigrelay/internal/transport"
	"github.com/1ureka/sigrelay/internal/util"
)

var version = "dev"

const statsInterval = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadPeer(os.Args[1:])
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

	pterm.Info.Println("Sigpeer — v" + version)
	pterm.Println()

	if cfg.Role == "" {
		cfg.Role = askRole()
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = askURL()
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed")
}

func run(ctx context.Context, cfg config.Peer) error {
	stats := util.NewStats()
	tr, err := transport.NewTransport(ctx, transport.Options{
		STUNServers: cfg.STUNServers,
		Stats:       stats,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := signaling.Establish(ctx, cfg, tr); err != nil {
		return err
	}

	util.StartStatsReporter(ctx, stats, statsInterval)
	pterm.Info.Println("Connected. Type a line and press Enter to send it; Ctrl+C to quit.")

	return adapter.Run(ctx, tr, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askRole prompts for the peer's role.
func askRole() config.Role {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Sender   — Publish an offer", "Receiver — Answer an offer"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Receiver") {
		return config.RoleReceiver
	}
	return config.RoleSender
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://localhost:8080/ws)").
			Show()

		wsURL, err := config.NormalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
