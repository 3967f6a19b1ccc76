package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pcap-relay/pkg/devserver"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/shutdown"
)

var (
	devListen    string
	devDelay     time.Duration
	devMaxUpload int64
	devPublicURL string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local processing service",
	Long: `Run an in-memory processing service for local testing. Uploaded captures
are decoded into a JSON packet list in the background.

Example:
  pcaprelay devserver --listen :3100 --delay 5s
  pcaprelay upload trace.pcap --server http://localhost:3100`,
	RunE: runDevserver,
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devListen, "listen", ":3100", "listen address")
	devserverCmd.Flags().DurationVar(&devDelay, "delay", 2*time.Second, "simulated processing time per job")
	devserverCmd.Flags().Int64Var(&devMaxUpload, "max-upload", 512<<20, "largest accepted capture in bytes")
	devserverCmd.Flags().StringVar(&devPublicURL, "public-url", "", "base of result URLs (default derived from the request)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	logger := newLogger(loadSettings(viper.GetViper()))

	server := devserver.NewServer(devserver.Config{
		ProcessingDelay: devDelay,
		MaxUploadSize:   devMaxUpload,
		PublicURL:       devPublicURL,
	}, logger)

	router := mux.NewRouter()
	server.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              devListen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr := shutdown.New(30*time.Second, logger)
	mgr.Register("devserver", shutdown.CloseResource(server))
	mgr.Register("http", shutdown.StopHTTPServer(srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var listenErr error
	go func() {
		logger.Info("processing service listening", logging.Fields{"addr": devListen, "delay": devDelay.String()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr = err
			logger.Error("listener failed", logging.Fields{"error": err.Error()})
		}
		cancel()
	}()

	if err := mgr.WaitWithContext(ctx); err != nil {
		return err
	}
	return listenErr
}
