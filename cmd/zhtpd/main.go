// Command zhtpd is the ZHTP node daemon: it wires C1-C13 together via
// internal/nodeboot and opens the node's storage layout under
// $HOME/.zhtp (§6 "Node storage layout"), following the teacher's
// cmd/synnergy bootstrap shape but for a single long-running node
// process rather than a CLI dispatcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/zhtp/zhtp/internal/config"
	"github.com/zhtp/zhtp/internal/nodeboot"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("zhtpd: fatal")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("zhtpd")
	if err != nil {
		return fmt.Errorf("zhtpd: load config: %w", err)
	}

	log := nodeboot.NewLogger(cfg.Logging)
	dataDir := nodeboot.ExpandHome(cfg.Node.DataDir)

	n, err := nodeboot.Bootstrap(log, *cfg, dataDir)
	if err != nil {
		return fmt.Errorf("zhtpd: bootstrap: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go n.AcceptLoop(ctx)
	n.RunConsensusLoop(ctx)
	return nil
}
