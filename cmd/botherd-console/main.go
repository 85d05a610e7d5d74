// Command botherd-console is an interactive terminal monitor for a botherd
// daemon: a live fleet sidebar, the combat push feed, and a command box for
// driving individual bots.
//
// Usage:
//
//	botherd-console --api http://localhost:8420
//
// The console authenticates REST calls with BOTHERD_API_KEY and the push
// feed with a token minted from BOTHERD_JWT_SECRET when one is set.
// Works over SSH, tmux, screen — no GUI needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/botherd/botherd/internal/security"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8420", "botherd API base URL")
	apiKey := flag.String("key", os.Getenv("BOTHERD_API_KEY"), "API key (default $BOTHERD_API_KEY)")
	flag.Parse()

	// Log to file — stdout is owned by the TUI.
	logFile, err := os.OpenFile("botherd-console.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	client := NewClient(*apiURL, *apiKey)

	wsURL, err := pushURL(*apiURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building push URL: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(newConsoleModel(client), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := newFeedReader(wsURL, p.Send, logger)
	go feed.run(ctx)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "console crashed: %v\n", err)
		os.Exit(1)
	}
	logger.Info("console exited")
}

// pushURL converts the API base URL into the /ws endpoint, attaching a
// viewer token when a JWT secret is available.
func pushURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	if secret := security.GetJWTSecret(); secret != nil {
		token, err := security.GenerateToken("console", security.RoleViewer, secret, 24*time.Hour)
		if err != nil {
			return "", fmt.Errorf("mint push token: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
