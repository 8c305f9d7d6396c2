// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command instantsoup is a thin terminal presentation layer over the
// InstantSOUP client and server engines. It is a demo consumer of the
// engine event stream (spec §1, §6) and is not part of the engine
// contract: the window/REPL wiring here is explicitly out of scope for the
// protocol itself.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/kballard/go-shellquote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/anopheles/instantsoup/lib/beacon"
	"github.com/anopheles/instantsoup/lib/client"
	"github.com/anopheles/instantsoup/lib/config"
	"github.com/anopheles/instantsoup/lib/events"
	"github.com/anopheles/instantsoup/lib/metrics"
	"github.com/anopheles/instantsoup/lib/server"
	"github.com/anopheles/instantsoup/lib/timer"
	"github.com/anopheles/instantsoup/lib/xlog"
)

var l = xlog.Default

// cli is the flag/command surface, parsed with kong (see
// cmd/syncthing/cli/main.go for the pack's own precedent).
var cli struct {
	Config      string `name:"config" help:"Path to a YAML configuration file." default:""`
	Nickname    string `name:"nickname" help:"Override the configured nickname."`
	Server      bool   `name:"server" help:"Also run a channel server on this host."`
	MetricsAddr string `name:"metrics-addr" help:"Address to serve Prometheus metrics on, empty to disable." default:""`
}

func main() {
	kong.Parse(&cli)

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		l.Fatalln("instantsoup:", err)
	}
	if cli.Nickname != "" {
		cfg.Nickname = cli.Nickname
	}
	if cli.Server {
		cfg.Server.Enabled = true
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	if cli.MetricsAddr != "" {
		go serveMetrics(cli.MetricsAddr, reg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mc := beacon.NewMulticast(cfg.Discovery.DiscoveryAddress())

	cl := client.New(cfg.Nickname, mc, timer.NewService(), events.NewLogger())
	autoJoin, err := cfg.AutoJoinGlobs()
	if err != nil {
		l.Fatalln("instantsoup: autoJoin:", err)
	}

	var srv *server.Engine
	if cfg.Server.Enabled {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
		if err != nil {
			l.Fatalln("instantsoup: server listen:", err)
		}
		srv = server.New(ln, mc, timer.NewService(), events.NewLogger())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mc.Run(gctx) })
	g.Go(func() error {
		if err := cl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Engine.post blocks until each Run's action loop is draining, which is
	// fine here: the loop is already started above, just maybe not yet at
	// its select.
	cl.SetAutoJoin(autoJoin)
	if srv != nil {
		srv.Provision(cfg.Server.Channels)
	}

	fmt.Printf("instantsoup: nickname %q, id %s\n", cfg.Nickname, cl.ID)
	if srv != nil {
		fmt.Printf("instantsoup: serving channels on port %d, id %s\n", srv.Port(), srv.ID)
	}
	fmt.Println("instantsoup: type /help for commands")

	go logClientEvents(gctx, cl)
	if srv != nil {
		go logServerEvents(gctx, srv)
	}

	repl(gctx, cl)
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		l.Warnln("instantsoup:", err)
	}
}

func loadConfig(path string) (config.Configuration, error) {
	if path == "" {
		return config.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return config.Configuration{}, err
	}
	defer f.Close()
	return config.Load(f)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		l.Warnln("instantsoup: metrics server:", err)
	}
}

// logClientEvents renders ClientNew/ClientRemoved/NickChanged/ServerNew/
// ServerRemoved/MembershipChanged/MessageReceived to the terminal, the
// engine's entire external contract with any presentation layer (spec §6).
func logClientEvents(ctx context.Context, cl *client.Engine) {
	sub := cl.Events().Subscribe(events.AllEvents)
	defer cl.Events().Unsubscribe(sub)
	for {
		ev, err := sub.Poll(0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		printEvent(ev)
	}
}

func logServerEvents(ctx context.Context, srv *server.Engine) {
	sub := srv.Events().Subscribe(events.AllEvents)
	defer srv.Events().Unsubscribe(sub)
	for {
		ev, err := sub.Poll(0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev events.Event) {
	switch d := ev.Data.(type) {
	case client.PeerEvent:
		fmt.Printf("* %s: %s (%s)\n", ev.Type, d.Nickname, d.ID)
	case client.ServerEvent:
		fmt.Printf("* %s: server %s\n", ev.Type, d.ServerID)
	case client.MembershipEvent:
		fmt.Printf("* %s: %s/%s\n", ev.Type, d.ServerID, d.Channel)
	case client.MessageEvent:
		fmt.Printf("[%s/%s] %s\n", d.ServerID, d.Channel, d.Line)
	case server.MembershipEvent:
		fmt.Printf("* %s: channel %s\n", ev.Type, d.Channel)
	default:
		fmt.Printf("* %s\n", ev.Type)
	}
}

// repl is a minimal slash-command line editor: not part of the engine, a
// stand-in for whatever window/GUI a real deployment would put in front of
// client.Engine/server.Engine.
func repl(ctx context.Context, cl *client.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			continue
		}
		args, err := shellquote.Split(line[1:])
		if err != nil || len(args) == 0 {
			fmt.Println("instantsoup: parse error:", err)
			continue
		}
		dispatchCommand(cl, args)
	}
}

func dispatchCommand(cl *client.Engine, args []string) {
	switch args[0] {
	case "help":
		fmt.Println("/join <server-id> <channel>")
		fmt.Println("/say <server-id> <channel> <text...>")
		fmt.Println("/standby <server-id> <channel> <peer-id>")
		fmt.Println("/invite <server-id> <channel> <client-id...>")
		fmt.Println("/exit <server-id> <channel>")
		fmt.Println("/history <server-id> <channel>")
		fmt.Println("/quit")
	case "join":
		if len(args) != 3 {
			fmt.Println("usage: /join <server-id> <channel>")
			return
		}
		cl.Join(args[1], args[2])
	case "say":
		if len(args) < 4 {
			fmt.Println("usage: /say <server-id> <channel> <text...>")
			return
		}
		cl.Say(args[1], args[2], strings.Join(args[3:], " "))
	case "standby":
		if len(args) != 4 {
			fmt.Println("usage: /standby <server-id> <channel> <peer-id>")
			return
		}
		cl.Standby(args[1], args[2], args[3])
	case "invite":
		if len(args) < 4 {
			fmt.Println("usage: /invite <server-id> <channel> <client-id...>")
			return
		}
		cl.Invite(args[1], args[2], args[3:]...)
	case "exit":
		if len(args) != 3 {
			fmt.Println("usage: /exit <server-id> <channel>")
			return
		}
		cl.Exit(args[1], args[2])
	case "history":
		if len(args) != 3 {
			fmt.Println("usage: /history <server-id> <channel>")
			return
		}
		for _, line := range cl.ChannelHistory(args[1], args[2]) {
			fmt.Println(line)
		}
	case "quit":
		os.Exit(0)
	default:
		fmt.Println("instantsoup: unknown command", args[0])
	}
}
