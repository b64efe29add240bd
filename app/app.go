package app

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/oauth"

	"github.com/mbolis/regional-survey/config"
	"github.com/mbolis/regional-survey/directory"
	"github.com/mbolis/regional-survey/geo"
	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/responses"
	"github.com/mbolis/regional-survey/surveys"
	"github.com/mbolis/regional-survey/users"
)

type App struct {
	*sql.DB
	*oauth.BearerServer
	config.Config

	Directory *directory.Service
	Users     *users.Service
	Surveys   *surveys.Service
	Responses *responses.Service
}

func New(db *sql.DB, cfg config.Config) App {
	usersService := users.NewService(db)

	resolver := geo.Resolver{Timeout: cfg.GeoTimeout}
	if cfg.GeoURL != "" {
		resolver.Locator = geo.NewHTTPLocator(cfg.GeoURL, &http.Client{Timeout: cfg.GeoTimeout})
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return App{
		DB:           db,
		BearerServer: httpx.NewBearerServer(db, usersService, cfg.TokenSecret, cfg.TokenTTL),
		Config:       cfg,

		Directory: directory.NewService(db),
		Users:     usersService,
		Surveys:   surveys.NewService(db),
		Responses: responses.NewService(db,
			responses.WithClock(time.Now, loc),
			responses.WithGeo(resolver),
		),
	}
}
