// Package app wires configuration, logging, and the TCP server into a
// runnable application.
package app

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/hive-server/config"
	"github.com/searchktools/hive-server/core"
)

// App is one application instance.
type App struct {
	cfg    *config.Config
	log    *logrus.Logger
	server *core.Server
}

// New creates an application around the given configuration.
func New(cfg *config.Config) *App {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	return &App{
		cfg:    cfg,
		log:    log,
		server: core.NewServer(cfg, log),
	}
}

// Server exposes the underlying server, mainly for tests and metrics
// access.
func (a *App) Server() *core.Server {
	return a.server
}

// Logger exposes the application logger.
func (a *App) Logger() *logrus.Logger {
	return a.log
}

// Run serves until a termination signal completes shutdown. A bind
// failure exits the process with status 1.
func (a *App) Run() {
	if err := a.server.Serve(); err != nil {
		a.log.WithError(err).Error("server startup failed")
		os.Exit(1)
	}
}
