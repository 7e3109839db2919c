package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	configPath    string
	flagPort      int
	flagLogLevel  string
	flagDataDir   string
	flagTickers   string
	flagScript    string
	flagNoSidecar bool
)

var rootCmd = &cobra.Command{
	Use:   "tickerchat",
	Short: "Stock chat gateway with a supervised market-data sidecar",
	Long: `tickerchat answers chat queries through a hosted language model and,
for market questions, enriches them with live data from a Python sidecar
it starts and keeps alive.

Running without a subcommand is the same as 'tickerchat serve'.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and the sidecar supervisor",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tickerchat %s (commit %s, built %s)\n", version, commit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (or set TICKERCHAT_CONFIG)")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		f := c.Flags()
		f.IntVar(&flagPort, "port", 5000, "HTTP port (or set PORT)")
		f.StringVar(&flagLogLevel, "log-level", "info", "Log level: debug|info|warn|error")
		f.StringVar(&flagDataDir, "data-dir", "./data", "Base directory for the event journal")
		f.StringVar(&flagTickers, "tickers", "./tickers.yaml", "Ticker alias table (reloaded on change)")
		f.StringVar(&flagScript, "sidecar-script", "services/stock_service.py", "Sidecar entry script")
		f.BoolVar(&flagNoSidecar, "no-sidecar", false, "Do not spawn the sidecar; enrichment stays off")
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadServeConfig layers defaults < YAML < env < flags the user actually set.
func loadServeConfig(cmd *cobra.Command) (Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("TICKERCHAT_CONFIG")
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = flagPort
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if f.Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if f.Changed("tickers") {
		cfg.TickersFile = flagTickers
	}
	if f.Changed("sidecar-script") {
		cfg.Sidecar.Script = flagScript
	}
	if f.Changed("no-sidecar") {
		cfg.Sidecar.Disabled = flagNoSidecar
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := NewLogger(cfg.LogLevel)
	defer log.Sync()

	if cfg.Groq.APIKey == "" {
		log.Errorf("missing GROQ_API_KEY in env/.env")
		return errors.New("missing GROQ_API_KEY")
	}

	script := cfg.Sidecar.Script
	if !cfg.Sidecar.Disabled && script != "" {
		if cfg.Sidecar.Dir != "" && !filepath.IsAbs(script) {
			script = filepath.Join(cfg.Sidecar.Dir, script)
		}
		if _, err := os.Stat(script); err != nil {
			log.Errorf("sidecar script not found: %s", script)
			return fmt.Errorf("sidecar script: %w", err)
		}
	}

	locNY := loadNY()
	run := newRunContext(locNY)
	log.Infof("tickerchat %s run_id=%s", version, run.ID)

	metrics := NewMetrics(run.StartNY, version, commit, buildDate)

	tickersLog := log.Named("tickers")
	classifier := NewClassifier(LoadTickersOrDefault(cfg.TickersFile, tickersLog))

	stocks := NewSidecarClient(cfg.Sidecar.URL, cfg.Sidecar.FetchTimeout)
	state := &SidecarState{}

	var sup *Supervisor
	if cfg.Sidecar.Disabled {
		log.Infof("sidecar disabled; queries will not be enriched")
	} else {
		var childArgs []string
		if cfg.Sidecar.Script != "" {
			childArgs = append(childArgs, cfg.Sidecar.Script)
		}
		childArgs = append(childArgs, cfg.Sidecar.Args...)
		sup = NewSupervisor(SupervisorConfig{
			Command:        cfg.Sidecar.Command,
			Args:           childArgs,
			Dir:            cfg.Sidecar.Dir,
			Readiness:      cfg.Sidecar.Readiness,
			ReadyMarker:    cfg.Sidecar.ReadyMarker,
			HealthInterval: cfg.Sidecar.HealthInterval,
			RestartDelay:   cfg.Sidecar.RestartDelay,
			StopTimeout:    cfg.Sidecar.StopTimeout,
			Log:            log.Named("sidecar"),
		}, state, stocks)
	}

	journal := NewJournal(JournalConfig{
		DataDir: cfg.DataDir,
		LocNY:   locNY,
		Log:     log.Named("journal"),
	}, metrics)
	sinks := Sinks{journal}

	// ClickHouse init (schema + connections)
	var chClient *ClickHouseClient
	var chw *ClickHouseWriter
	if cfg.ClickHouse.Enabled {
		chLog := log.Named("clickhouse")
		ctxInit, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		chClient, err = NewClickHouseClient(ctxInit, cfg.ClickHouse, locNY, chLog)
		cancel()
		if err != nil {
			log.Errorf("clickhouse init failed (continuing with journal only): %v", err)
			chClient = nil
		} else {
			chw = NewClickHouseWriter(ClickHouseWriterConfig{
				BatchSize:  cfg.ClickHouse.BatchSize,
				FlushEvery: time.Duration(cfg.ClickHouse.FlushEveryMS) * time.Millisecond,
			}, chClient.NativeConn(), run, locNY, metrics, chLog)
			sinks = append(sinks, chw)
		}
	} else {
		log.Infof("clickhouse disabled")
	}

	groq := NewGroqClient(cfg.Groq, log.Named("groq"))

	gw := NewGateway(GatewayDeps{
		Classifier: classifier,
		Ready:      state,
		Stocks:     stocks,
		LLM:        groq,
		Sink:       sinks,
		Metrics:    metrics,
		Run:        run,
		LocNY:      locNY,
		Log:        log.Named("gateway"),
	})

	httpSrv := NewHTTPServer(HTTPConfig{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		LocNY:        locNY,
		Log:          log.Named("http"),
		Gateway:      gw,
		Ready:        state,
		Sidecar:      state,
		LLM:          groq,
		Classifier:   classifier,
		Journal:      journal,
		CH:           chClient,
		Run:          run,
		M:            metrics,
		CORSOrigin:   cfg.CORSOrigin,
		WriteTimeout: cfg.Groq.Timeout + cfg.Sidecar.FetchTimeout + 5*time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sinks outlive the HTTP server so in-flight requests still get recorded.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinkGroup errgroup.Group
	sinkGroup.Go(func() error { journal.Run(sinkCtx); return nil })
	if chw != nil {
		sinkGroup.Go(func() error { chw.Run(sinkCtx); return nil })
	}

	supCtx, stopSup := context.WithCancel(context.Background())
	defer stopSup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { metrics.Run(gctx); return nil })
	if sup != nil {
		g.Go(func() error { return sup.Run(supCtx) })
	}
	if _, err := os.Stat(cfg.TickersFile); err == nil {
		g.Go(func() error {
			if err := WatchTickers(gctx, cfg.TickersFile, classifier, tickersLog); err != nil {
				tickersLog.Warnf("watch disabled: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Infof("http listening on http://localhost:%d", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down...")

		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			log.Warnf("http shutdown: %v", err)
		}
		// The child must be gone before the process exits.
		if sup != nil {
			sup.Stop()
		}
		stopSup()
		return nil
	})

	runErr := g.Wait()

	stopSinks()
	_ = sinkGroup.Wait()
	chClient.Close()

	if runErr != nil {
		log.Errorf("%v", runErr)
		return runErr
	}
	log.Infof("bye")
	return nil
}
