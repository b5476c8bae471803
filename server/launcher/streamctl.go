package main

import (
	"context"
	"flag"
	"github.com/golang/glog"
	"os"
	"os/signal"
	"streamctl/server"
	"streamctl/server/config"
	"syscall"
)

var flagConfigPath = flag.String("config", "", "Path to the configuration file (yaml, json or toml)")

func main() {
	flag.Parse()
	defer glog.Flush()
	cfg, err := config.Load(*flagConfigPath)
	if err != nil {
		glog.Fatalf("Unable to load configuration: %v", err)
	}
	nm, err := server.NewNodeManager(cfg)
	if err != nil {
		glog.Fatalf("Unable to start node manager: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := nm.Run(ctx); err != nil {
		glog.Errorf("Node manager exited with error: %v", err)
	}
}
