package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/certhaus/certhaus/core"
	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

const VERSION = "1.0.0"

var debug_log = flag.Bool("debug", false, "Enable debug output")
var version_flag = flag.Bool("v", false, "Show version")

func main() {
	flag.Parse()

	if *version_flag == true {
		log.Info("version: %s", VERSION)
		return
	}

	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatal("config: %v", err)
		os.Exit(1)
	}

	log.DebugEnable(*debug_log || cfg.LogLevel == "debug")

	if err := core.CreateDir(cfg.DataDir, 0700); err != nil {
		log.Fatal("data directory: %v", err)
		os.Exit(1)
	}
	if err := log.StartServerLogging(filepath.Join(cfg.DataDir, "server.log")); err != nil {
		log.Error("file logging disabled: %v", err)
	}

	log.Info("loading store from: %s", cfg.DbPath)
	db, err := database.NewDatabase(cfg.DbPath)
	if err != nil {
		log.Fatal("database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	paths := core.NewPaths(cfg.DataDir)
	authority := core.NewAuthority(db, paths)
	issuer := core.NewIssuer(db, paths, authority)
	notifier := core.NewNotifier(cfg.WebhookUrl)

	validator := core.NewValidator(db)
	validator.SetNotifier(notifier)
	validator.Start()
	defer validator.Stop()

	hub := core.NewEventHub(db, validator)
	hub.Start()
	defer hub.Stop()

	acme := core.NewAcmeServer(db, cfg, authority, validator, notifier)
	api := core.NewApiServer(cfg, db, authority, issuer, acme, validator, hub, notifier)
	api.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	api.Shutdown()
}
