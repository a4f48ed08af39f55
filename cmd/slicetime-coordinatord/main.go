// Command slicetime-coordinatord runs the barrier-synchronization server:
// it registers participants, tracks their reported progress, and releases
// the next run permission once every registered client has caught up.
// Signal handling and the terminal dashboard are grounded in
// nokia-bng-simulator/main.go's sigCh/ticker/drawDashboard loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimmoahokas/slicetime/internal/audit"
	"github.com/kimmoahokas/slicetime/internal/config"
	"github.com/kimmoahokas/slicetime/internal/coordinator"
)

func main() {
	configPath := flag.String("config", "", "path to coordinator INI config (required)")
	headless := flag.Bool("headless", false, "disable the periodic terminal dashboard")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}
	cfg, err := config.LoadCoordinatorConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	var auditSink *audit.PostgresSink
	if cfg.AuditDSN != "" {
		auditSink, err = audit.Open(cfg.AuditDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to open audit sink")
		}
		defer auditSink.Close()
	}

	coord := coordinator.New(coordinator.Config{
		SliceMicroseconds: cfg.SliceMicroseconds,
		MinClients:        cfg.MinClients,
		MaxPeriod:         cfg.MaxPeriod,
	}, log)
	if auditSink != nil {
		coord.SetAuditSink(auditSink)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.ServerPort))
	if err != nil {
		log.WithError(err).Fatal("failed to bind coordinator socket")
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(ctx, conn) }()

	if !*headless {
		go drawDashboard(ctx, coord)
	}

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("coordinator exited with error")
			os.Exit(1)
		}
	}
}

func drawDashboard(ctx context.Context, coord *coordinator.Coordinator) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Print("\033[2J\033[H")
			fmt.Println("\033[1;36m╔════════════════════════════════════════╗\033[0m")
			fmt.Println("\033[1;36m║         slicetime-coordinatord          ║\033[0m")
			fmt.Println("\033[1;36m╠════════════════════════════════════════╣\033[0m")
			fmt.Printf("  Registered clients: \033[1;32m%d\033[0m\n", coord.RegisteredCount())
			fmt.Printf("  Current period:     \033[1;33m%d\033[0m\n", coord.CurrentPeriod())
			fmt.Println("\033[1;36m╚════════════════════════════════════════╝\033[0m")
			fmt.Println("  \033[2mCtrl+C for graceful shutdown\033[0m")
		}
	}
}
