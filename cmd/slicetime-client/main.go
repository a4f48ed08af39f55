// Command slicetime-client runs a demo participant: it connects to a
// coordinator, drives a scheduler through a small deterministic event
// sequence entirely gated by barrier grants, and disconnects when its queue
// drains or it is asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimmoahokas/slicetime/internal/config"
	"github.com/kimmoahokas/slicetime/internal/scheduler"
	"github.com/kimmoahokas/slicetime/internal/syncclient"
)

func main() {
	configPath := flag.String("config", "", "path to client INI config (required)")
	events := flag.Int("events", 10, "number of demo events to schedule before stopping")
	period := flag.Duration("period", 100*time.Millisecond, "spacing between demo events, in simulated time")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}
	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	client := syncclient.New(syncclient.Config{
		ServerAddress:     cfg.ServerAddress,
		ServerPort:        cfg.ServerPort,
		ClientAddress:     cfg.ClientAddress,
		ClientPort:        cfg.ClientPort,
		ClientID:          cfg.ClientID,
		ClientType:        cfg.ClientType,
		ClientDescription: cfg.ClientDescription,
		RecvTimeout:       time.Duration(cfg.RecvTimeoutSeconds * float64(time.Second)),
	})
	if err := client.ConnectAndRegister(); err != nil {
		log.WithError(err).Fatal("failed to connect and register")
	}
	defer func() {
		if err := client.UnregisterAndDisconnect(); err != nil {
			log.WithError(err).Warn("failed to unregister cleanly")
		}
	}()

	sched := scheduler.New(client, log)
	for i := 0; i < *events; i++ {
		n := i
		if _, err := sched.Schedule(*period*time.Duration(n+1), func() {
			log.WithFields(logrus.Fields{"event": n, "now": sched.Now()}).Info("demo event fired")
		}); err != nil {
			log.WithError(err).Fatal("failed to schedule demo event")
		}
	}
	sched.ScheduleDestroy(func() {
		log.Info("simulation complete")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sched.Stop()
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("scheduler exited with error")
	}
	fmt.Println("done")
}
