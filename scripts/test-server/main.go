// Command test-server runs the temperature-conversion backend locally so
// thermoload has something to point at.
//
//	go run ./scripts/test-server -addr :8080 -latency 20ms
//	thermoload run --base-url http://localhost:8080
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/logging"
	"github.com/wesleyorama2/thermoload/internal/targettest"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	latency := flag.Duration("latency", 0, "delay added to every response")
	healthStatus := flag.Int("health-status", http.StatusOK, "status code /health answers with")
	logFormat := flag.String("log-format", logging.FormatConsole, "log format: console or json")
	flag.Parse()

	logger, err := logging.New("info", *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	// Use all CPU cores
	runtime.GOMAXPROCS(runtime.NumCPU())

	backend := targettest.NewBackend()
	backend.SetLatency(*latency)
	backend.SetHealthStatus(*healthStatus)

	// Configure server for high throughput
	server := &http.Server{
		Addr:              *addr,
		Handler:           backend.Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5*time.Second + *latency,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	logger.Info("starting temperature-conversion server",
		zap.String("addr", *addr),
		zap.Strings("endpoints", []string{"GET /health", "POST /api/convert"}),
		zap.Duration("latency", *latency),
		zap.Int("healthStatus", *healthStatus))

	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
