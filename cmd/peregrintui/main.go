package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/chat"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/config"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/daemon"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/status"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/tui"
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

	var (
		engine  *chat.Engine
		loop    *presence.Loop
		roster  *presence.Roster
		manager *conn.Manager
		machine *status.Machine
		creds   *session.Credentials
		sup     *daemon.Supervisor
		b       *bus.Bus
	)

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:      profile,
			ServerURL:    serverURL,
			Provider:     provider,
			FileOnlyLogs: true,
		}),
		fx.Populate(&engine, &loop, &roster, &manager, &machine, &creds, &sup, &b),
		// fx must not write to the terminal once tview owns it
		fx.NopLogger,
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ui := tui.NewApp(tui.Deps{
		Profile: profile,
		Engine:  engine,
		Loop:    loop,
		Roster:  roster,
		Manager: manager,
		Machine: machine,
		Creds:   creds,
		Sup:     sup,
		Bus:     b,
	})

	runErr := ui.Run()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: shutdown: %v\n", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
