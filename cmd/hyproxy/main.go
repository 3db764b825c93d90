// Hyproxy CLI entry point.
//
// Exposes a local TCP service under a key (listen mode), or reaches such a
// service by its key through a local port (connect mode). Peers find each
// other through the swarm and relay connections over encrypted links.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/hyproxy/internal/config"
	"github.com/1ureka/hyproxy/internal/metrics"
	"github.com/1ureka/hyproxy/internal/proxy"
	"github.com/1ureka/hyproxy/internal/swarm"
	"github.com/1ureka/hyproxy/internal/util"
)

var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		fmt.Fprint(os.Stderr, config.Usage)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Hyproxy v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("proxy closed")
}

// run starts the proxy for cfg and blocks until ctx is cancelled or the
// proxy stops on an error.
func run(ctx context.Context, cfg *config.Config) error {
	p := proxy.New(proxy.Options{
		Storage: cfg.Storage,
		Swarm: swarm.Config{
			Transport: cfg.Transport,
			Addr:      cfg.SwarmAddr,
			Bootstrap: cfg.Peers,
			MDNS:      cfg.MDNS,
		},
	})
	defer p.Close()

	switch cfg.Mode {
	case config.ModeConnect:
		e, err := p.Outbound(ctx, cfg.Key, cfg.Port, cfg.Host)
		if err != nil {
			return err
		}
		util.LogSuccess("outbound proxy to %s connected", e.Key.String())
		util.LogEndpoint("access via", "host", e.Host, "port", e.Port)

	case config.ModeListen:
		e, err := p.Inbound(ctx, cfg.Key, cfg.Port, cfg.Host)
		if err != nil {
			return err
		}
		util.LogSuccess("inbound proxy to %s:%d listening", e.Host, e.Port)
		util.LogEndpoint("access via", "key", e.Key.String())
	}
	util.LogEndpoint("swarm node", "key", p.Node().Identity().String(), "addr", p.Node().Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	util.StartStatsReporter(ctx)

	if cfg.Metrics != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			return p.Err()
		}
	})
	return g.Wait()
}
