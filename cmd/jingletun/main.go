// jingletun — CLI entry point.
//
// This tool creates a P2P tunnel over a WebRTC DataChannel, forwarding a
// remote TCP service to a local port. No relay servers are needed after the
// signaling phase (which uses WebSocket).
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -wsPort, -wsUrl, -wsListen, -allowLocalIPs).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/lumenhop/jingletun/internal/adapter"
	"github.com/lumenhop/jingletun/internal/channel"
	"github.com/lumenhop/jingletun/internal/config"
	"github.com/lumenhop/jingletun/internal/signaling"
	"github.com/lumenhop/jingletun/internal/util"
)

var version = "dev"

// watchCancellation tears the channel down once ctx is cancelled (Ctrl+C),
// translating the process-wide shutdown signal into pc.Done() firing so
// adapter.RunAs{Host,Client} can return.
func watchCancellation(ctx context.Context, pc *channel.PeerChannel) {
	go func() {
		select {
		case <-ctx.Done():
			pc.Reset()
		case <-pc.Done():
		}
	}()
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 0, "Target port (host) or virtual service port (client), 1~65535")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (client only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	allowLocalIPs := flag.Bool("allowLocalIPs", false, "Accept loopback/link-local ICE candidates (useful on a single machine or tight LAN)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("jingletun — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, *allowLocalIPs)

	case "host":
		if *port < 1 || *port > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}

		var wsAddr string
		switch {
		case *wsListenFlag:
			wsAddr = fmt.Sprintf(":%d", *wsPortFlag)
		case *wsPortFlag > 0:
			wsAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
		default:
			wsAddr = ":0"
		}

		runHost(ctx, config.Config{
			Role:          config.RoleHost,
			TargetPort:    *port,
			WSAddr:        wsAddr,
			AllowLocalIPs: *allowLocalIPs,
		})

	case "client":
		if *port < 1 || *port > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		if *wsURLFlag == "" {
			util.LogError("missing -wsUrl for client role")
			os.Exit(1)
		}

		wsURL, err := normalizeWSURL(*wsURLFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		runClient(ctx, config.Config{
			Role:          config.RoleClient,
			LocalPort:     *port,
			WSURL:         wsURL,
			AllowLocalIPs: *allowLocalIPs,
		})

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is given.
func runInteractive(ctx context.Context, allowLocalIPs bool) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		port := askPort("Target port to forward (1 ~ 65535)")
		runHost(ctx, config.Config{Role: config.RoleHost, TargetPort: port, WSAddr: ":0", AllowLocalIPs: allowLocalIPs})
	} else {
		wsURL := askURL()
		port := askPort("Local port for virtual service (1 ~ 65535)")
		runClient(ctx, config.Config{Role: config.RoleClient, LocalPort: port, WSURL: wsURL, AllowLocalIPs: allowLocalIPs})
	}
}

// runHost executes the host-side tunnel logic.
func runHost(ctx context.Context, cfg config.Config) {
	tr, pc, err := signaling.EstablishAsHost(ctx, cfg.WSAddr, cfg.AllowLocalIPs)
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer signaling.Close(tr)
	watchCancellation(ctx, pc)

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established — forwarding traffic to 127.0.0.1:%d", cfg.TargetPort)

	targetAddr := fmt.Sprintf("127.0.0.1:%d", cfg.TargetPort)
	if err := adapter.RunAsHost(ctx, pc, targetAddr); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// runClient executes the client-side tunnel logic.
func runClient(ctx context.Context, cfg config.Config) {
	tr, pc, err := signaling.EstablishAsClient(ctx, cfg.WSURL, cfg.AllowLocalIPs)
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer signaling.Close(tr)
	watchCancellation(ctx, pc)

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established — forwarding traffic to Host")

	if err := adapter.RunAsClient(ctx, pc, cfg.LocalPort); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
