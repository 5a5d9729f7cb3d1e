// ABOUTME: Entry point for changelabd, the change pipeline daemon.
// ABOUTME: Loads config, checks its permissions, and runs the daemon until signalled.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/changelab/changelab/internal/buildinfo"
	"github.com/changelab/changelab/internal/config"
	"github.com/changelab/changelab/internal/daemon"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the config file (default /etc/changelab/config.yaml)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("changelabd: %v", err)
	}

	// The config file carries backend tokens; refuse to run when it is
	// readable beyond the owner's group.
	warning, err := config.CheckConfigPermissions(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("changelabd: %v", err)
	}
	if warning != "" {
		log.Printf("changelabd: %s", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatalf("changelabd: %v", err)
	}
}
