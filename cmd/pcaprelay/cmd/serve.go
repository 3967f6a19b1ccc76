package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pcap-relay/pkg/api"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/shutdown"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

var (
	serveListen    string
	serveLogToFile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator behind an HTTP API",
	Long: `Keep an orchestrator running and expose it over HTTP.

API endpoints:
  POST   /jobs           multipart upload (field pcap_file) starts a run
  POST   /jobs/fetch     {"job_id","url"} downloads a finished job
  DELETE /jobs/current   cancels the active run
  GET    /state          current state
  GET    /state/stream   every state change as newline-delimited JSON
  GET    /metrics        Prometheus metrics
  GET    /health`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8090", "address of the observer API")
	serveCmd.Flags().BoolVar(&serveLogToFile, "log-to-file", false, "also write logs to ./logs/pcaprelay/serve.log")
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := loadSettings(viper.GetViper())
	logger := newLogger(settings)
	if serveLogToFile {
		fl, err := logging.NewFileLogger("pcaprelay", "serve", logging.ParseLevel(settings.LogLevel), settings.LogJSON)
		if err != nil {
			return err
		}
		logger = fl
	}

	st, err := newStack(settings, logger)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(st.tracer))
	api.NewObserverHandler(st.orch, st.stager, st.metrics, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr := shutdown.New(30*time.Second, logger)
	mgr.Register("logger", shutdown.CloseResource(logger))
	mgr.Register("orchestrator", shutdown.CloseResource(st))
	// the stream handler only returns once the broadcaster is closed or
	// the client leaves, so the orchestrator must go before the listener
	mgr.Register("observer-api", func(ctx context.Context) error {
		st.orch.Close()
		return srv.Shutdown(ctx)
	})

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("observer API listening", logging.Fields{"addr": serveListen, "server": settings.Server})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if settings.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: settings.MetricsAddr, Handler: st.metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		mgr.Register("metrics", shutdown.StopHTTPServer(metricsSrv))
		go func() {
			logger.Info("metrics listening", logging.Fields{"addr": settings.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var listenErr error
	go func() {
		listenErr = <-serveErr
		logger.Error("listener failed", logging.Fields{"error": listenErr.Error()})
		cancel()
	}()

	if err := mgr.WaitWithContext(ctx); err != nil {
		return err
	}
	return listenErr
}
