package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/config"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/daemon"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	serverFlag := flag.String("server", "", "websocket server URL (overrides config server_url)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = &config.Config{}
	}

	serverURL := *serverFlag
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if serverURL == "" {
		fmt.Fprintf(os.Stderr, "error: no server URL; set server_url in %s or pass -server\n", session.ConfigPath())
		os.Exit(1)
	}

	var provider presence.Provider
	if cfg.DevPosition != nil {
		fixed := presence.Position{
			Latitude:  cfg.DevPosition.Latitude,
			Longitude: cfg.DevPosition.Longitude,
		}
		provider = func(ctx context.Context) (*presence.Position, error) {
			pos := fixed
			return &pos, nil
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:   profile,
			ServerURL: serverURL,
			Provider:  provider,
		}),
	)

	app.Run()
}
