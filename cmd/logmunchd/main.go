package main

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cube-drone/logmunch/internal/config"
	"github.com/cube-drone/logmunch/internal/minutedb"
	"github.com/cube-drone/logmunch/internal/runtimeEnv"
	"github.com/cube-drone/logmunch/internal/telemetry"
	"github.com/cube-drone/logmunch/pkg/logging"
	"github.com/cube-drone/logmunch/pkg/minute"
)

// eventChannelCapacity approximates the unbounded channel the original
// collector used: generous enough that a burst never blocks an
// ingesting goroutine while the write-dispatch loop drains it once a
// second.
const eventChannelCapacity = 1_000_000

func main() {
	var flagGops bool
	var flagEnvFile string
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to an optional .env file")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logging.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg := config.Load(flagEnvFile)
	logging.SetLevel(cfg.LogLevel)
	telemetry.Register()

	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		logging.Fatalf("could not create data directory %s: %s", cfg.DataDirectory, err.Error())
	}

	db := minutedb.New(minutedb.Config{
		DataDir:         cfg.DataDirectory,
		NMinutes:        cfg.NMinutes,
		MachineID:       cfg.MachineID,
		MaxWriteThreads: cfg.MaxWriteThreads,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.ReadLoop(ctx); err != nil {
		logging.Fatalf("could not start read loop: %s", err.Error())
	}

	events := make(chan minute.Event, eventChannelCapacity)
	go db.WriteLoop(ctx, events)

	router := buildRouter(db, events)

	handler := handlers.CustomLoggingHandler(io.Discard, router, func(_ io.Writer, params handlers.LogFormatterParams) {
		if strings.HasPrefix(params.Request.RequestURI, "/services/collector/") {
			logging.Debugf("%s %s (%d, %.02fkb, %dms)",
				params.Request.Method, params.URL.RequestURI(),
				params.StatusCode, float32(params.Size)/1024,
				time.Since(params.TimeStamp).Milliseconds())
		} else {
			logging.Infof("%s %s (%d, %.02fkb, %dms)",
				params.Request.Method, params.URL.RequestURI(),
				params.StatusCode, float32(params.Size)/1024,
				time.Since(params.TimeStamp).Milliseconds())
		}
	})

	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      handler,
		Addr:         cfg.HTTPAddr,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logging.Fatalf("could not listen on %s: %s", cfg.HTTPAddr, err.Error())
	}
	logging.Infof("HTTP server listening at %s", cfg.HTTPAddr)

	// Bind the (possibly privileged) listening port first, then drop to
	// an unprivileged user/group before serving any requests.
	if err := runtimeEnv.DropPrivileges(cfg.User, cfg.Group); err != nil {
		logging.Fatalf("error while changing user: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server.Serve: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)

		cancel() // stop ReadLoop and WriteLoop
		db.ForceSeal()
		db.Close()
		close(events)
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	logging.Info("graceful shutdown completed")
}

func buildRouter(db *minutedb.DB, events chan<- minute.Event) *mux.Router {
	r := mux.NewRouter()
	c := &collector{events: events}
	s := &searchHandler{db: db}

	r.HandleFunc("/services/collector/event/{version}", c.handleIngestOptions).Methods(http.MethodOptions)
	r.HandleFunc("/services/collector/event/{version}", c.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "Origin"}),
		handlers.AllowedMethods([]string{"GET", "POST", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))

	return r
}
