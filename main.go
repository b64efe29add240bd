package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/config"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/routes"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatal("main.config:", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := database.Open(cfg.DBUrl)
	if err != nil {
		log.Fatal("main.db.open:", err)
	}
	defer db.Close()

	app := app.New(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = app.Users.EnsureBootstrapAdmin(ctx, cfg.BootstrapUser, cfg.BootstrapPassword)
	cancel()
	if err != nil {
		log.Fatal("main.bootstrap_admin:", err)
	}

	handler := routes.Wire(app)

	err = runServer(cfg, handler)
	if !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("main.server:", err)
	}
}

func runServer(cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Infof("Listening on %s (days counted in %s)", cfg.Url(), cfg.Location)
	return srv.ListenAndServe()
}
