package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/netfirst"
	"github.com/always-cache/netfirst/cache"
	"github.com/always-cache/netfirst/pkg/agent"
	"github.com/always-cache/netfirst/pkg/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	manifestFlag       string
	fetchTimeoutFlag   time.Duration
	waitFlag           bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&manifestFlag, "manifest", "manifest.yaml", "Precache manifest of the deployed build")
	flag.DurationVar(&fetchTimeoutFlag, "timeout", 10*time.Second, "Network fetch timeout before falling back to the cache")
	flag.BoolVar(&waitFlag, "wait", false, "Do not skip waiting: new deployments wait for POST /.netfirst/promote")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config, flag.CommandLine)

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originUrl, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	// set up sqlite provider, in memory if requested
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer provider.Close()

	collector := metrics.NewCollector()
	site := netfirst.NewSite(*originUrl, config.Host, nil, log.Logger)
	d := &deployer{
		site:         site,
		manifestPath: config.Manifest,
		base: netfirst.Config{
			Cache:              provider,
			OriginURL:          *originUrl,
			OriginHost:         config.Host,
			FetchTimeout:       config.FetchTimeout,
			Agents:             append(agent.NewRegistry(config.Agents...), agent.DefaultRegistry...),
			DisableSkipWaiting: config.DisableSkipWaiting,
			Logger:             &log.Logger,
			Metrics:            collector,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a failed initial deploy leaves the site in passthrough, it can be retried via the admin API
	if _, err := d.deploy(ctx); err != nil {
		log.Error().Err(err).Msg("Initial deploy failed, passing all requests through")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(d, collector, log.Logger),
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originUrl.String(), config.Host)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Could not shut down server gracefully")
	}
	if err := site.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Pending cache writes cancelled")
	}
}
