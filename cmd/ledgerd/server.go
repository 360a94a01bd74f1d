// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// The analytics ledger records downloads, page views and revenue per project.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/queue"
	"github.com/edrlab/analytics-ledger/pkg/ratelimit"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// Server context
type Server struct {
	*conf.Config
	stor.Store
	Queue     *queue.AnalyticsQueue
	Directory directory.Directory
	Limiter   *ratelimit.Limiter
	Router    *chi.Mux
}

func main() {

	s := Server{}

	// Initialize the configuration from a config file or/and environment variables
	configFile := os.Getenv("LEDGER_CONFIG")
	c, err := conf.Init(configFile)
	if err != nil {
		log.Println("Configuration failed: " + err.Error())
		os.Exit(1)
	}
	s.Config = c

	setLogLevel(c.LogLevel)

	if err := checkAccess(c); err != nil {
		log.Println("Configuration failed: " + err.Error())
		os.Exit(1)
	}

	s.initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Aggregated events are written on a timer, and once more on shutdown
	queueDone := make(chan struct{})
	go func() {
		s.Queue.Run(ctx, c.Queue.FlushInterval)
		close(queueDone)
	}()

	// Page view counts per client are cleared at each window
	go s.Limiter.Run(ctx, c.Views.RateWindow)

	// The log level follows the configuration file, other settings need a restart
	if configFile != "" {
		go func() {
			err := conf.Watch(ctx, configFile, func(nc *conf.Config) {
				setLogLevel(nc.LogLevel)
			})
			if err != nil {
				log.Warnf("Configuration watcher stopped: %v", err)
			}
		}()
	}

	// Graceful shutdown
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(c.Port),
		Handler: s.Router,
	}

	// System signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Println("Server starting on port " + strconv.Itoa(c.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutdown requested, initiating graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	cancel()
	<-queueDone
	if err := s.Store.Close(); err != nil {
		log.Errorf("Error closing the database: %v", err)
	}
	log.Println("Server halted.")
}

// setLogLevel sets the log level and format
func setLogLevel(value string) {
	if value == "" {
		return
	}
	level, err := log.ParseLevel(value)
	if err != nil {
		log.Println("Invalid log level specified, defaulting to debug")
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{})
}

// initialize sets the database, the project directory, the queue and routes
func (s *Server) initialize() {
	gen, err := ident.ParseGeneration(s.Config.Schema.InitialGeneration)
	if err != nil {
		log.Println("Invalid initial generation: " + err.Error())
		os.Exit(1)
	}

	// Init database
	s.Store, err = stor.Init(s.Config.Dsn, stor.WithGeneration(gen))
	if err != nil {
		log.Println("Database setup failed: " + err.Error())
		os.Exit(1)
	}

	// Init project directory
	s.Directory, err = directory.New(s.Config.Directory)
	if err != nil {
		log.Println("Directory setup failed: " + err.Error())
		os.Exit(1)
	}

	s.Queue = queue.New(s.Store, s.Config.Queue.Shards)

	// Without a configured pepper, client hashes change at each restart
	pepper := s.Config.Views.Pepper
	if pepper == "" {
		pepper = uuid.New().String()
	}
	s.Limiter = ratelimit.New(pepper, s.Config.Views.RateLimit, s.Config.Queue.Shards)

	// Init routes
	s.Router = s.setRoutes()
}

// checkAccess refuses a partial set of basic auth credentials. Without any,
// the ingestion and admin routes are not served.
func checkAccess(c *conf.Config) error {
	username, password := c.Access.Username, c.Access.Password
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("access needs both a username and a password")
	}
	return nil
}
