package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/observe"
	"github.com/psantana5/pcap-relay/pkg/orchestrator"
	"github.com/psantana5/pcap-relay/pkg/poller"
	"github.com/psantana5/pcap-relay/pkg/retry"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

// Version is set at build time
var Version = "dev"

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pcaprelay",
	Short: "Upload packet captures for remote processing",
	Long: `pcaprelay uploads pcap/pcapng captures to a processing service, polls
the job until it finishes and downloads the converted result.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pcaprelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "processing service URL (default from config or http://localhost:3100)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server", "http://localhost:3100")
	v.SetDefault("upload_path", client.DefaultUploadPath)
	v.SetDefault("status_path", client.DefaultStatusPath)
	v.SetDefault("form_field", client.DefaultFormField)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("read_timeout", 60*time.Second)
	v.SetDefault("write_timeout", 60*time.Second)
	v.SetDefault("progress_rate", 10.0)

	policy := retry.DefaultPolicy()
	v.SetDefault("poll.initial_delay", policy.InitialDelay)
	v.SetDefault("poll.interval", policy.Interval)
	v.SetDefault("poll.max_attempts", policy.MaxAttempts)

	v.SetDefault("staging_dir", os.TempDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", observe.DefaultRedisChannel)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("metrics_addr", "")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".pcaprelay"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("pcaprelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// Settings is the effective configuration
type Settings struct {
	Server         string        `json:"server" yaml:"server"`
	UploadPath     string        `json:"upload_path" yaml:"upload_path"`
	StatusPath     string        `json:"status_path" yaml:"status_path"`
	FormField      string        `json:"form_field" yaml:"form_field"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ProgressRate   float64       `json:"progress_rate" yaml:"progress_rate"`
	Poll           PollSettings  `json:"poll" yaml:"poll"`
	StagingDir     string        `json:"staging_dir" yaml:"staging_dir"`
	LogLevel       string        `json:"log_level" yaml:"log_level"`
	LogJSON        bool          `json:"log_json" yaml:"log_json"`
	Redis          RedisSettings `json:"redis" yaml:"redis"`
	Tracing        TraceSettings `json:"tracing" yaml:"tracing"`
	MetricsAddr    string        `json:"metrics_addr" yaml:"metrics_addr"`
}

type PollSettings struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
}

type RedisSettings struct {
	Addr    string `json:"addr" yaml:"addr"`
	Channel string `json:"channel" yaml:"channel"`
}

type TraceSettings struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// loadSettings reads the effective configuration from v
func loadSettings(v *viper.Viper) Settings {
	return Settings{
		Server:         v.GetString("server"),
		UploadPath:     v.GetString("upload_path"),
		StatusPath:     v.GetString("status_path"),
		FormField:      v.GetString("form_field"),
		ConnectTimeout: v.GetDuration("connect_timeout"),
		ReadTimeout:    v.GetDuration("read_timeout"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		ProgressRate:   v.GetFloat64("progress_rate"),
		Poll: PollSettings{
			InitialDelay: v.GetDuration("poll.initial_delay"),
			Interval:     v.GetDuration("poll.interval"),
			MaxAttempts:  v.GetInt("poll.max_attempts"),
		},
		StagingDir:  v.GetString("staging_dir"),
		LogLevel:    v.GetString("log_level"),
		LogJSON:     v.GetBool("log_json"),
		Redis:       RedisSettings{Addr: v.GetString("redis.addr"), Channel: v.GetString("redis.channel")},
		Tracing:     TraceSettings{Enabled: v.GetBool("tracing.enabled"), Endpoint: v.GetString("tracing.endpoint")},
		MetricsAddr: v.GetString("metrics_addr"),
	}
}

func (s Settings) clientConfig() client.Config {
	return client.Config{
		ServerURL:      s.Server,
		UploadPath:     s.UploadPath,
		StatusPath:     s.StatusPath,
		FormField:      s.FormField,
		ConnectTimeout: s.ConnectTimeout,
		ReadTimeout:    s.ReadTimeout,
		WriteTimeout:   s.WriteTimeout,
		ProgressRate:   s.ProgressRate,
	}
}

func (s Settings) pollPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: s.Poll.InitialDelay,
		Interval:     s.Poll.Interval,
		MaxAttempts:  s.Poll.MaxAttempts,
	}
}

// IsJSONOutput returns true if output format is JSON
func IsJSONOutput() bool {
	return strings.ToLower(outputFormat) == "json"
}

func newLogger(s Settings) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(s.LogLevel), s.LogJSON)
}

// stack is everything a command needs to drive runs
type stack struct {
	settings Settings
	logger   *logging.Logger
	client   *client.Client
	poller   *poller.Poller
	stager   *capture.Stager
	metrics  *observe.Metrics
	tracer   *tracing.Provider
	redis    *observe.RedisSink
	orch     *orchestrator.Orchestrator

	sinkDone chan struct{}
}

// newStack wires the client, poller, stager and orchestrator from s.
// Tracing and the Redis sink are only set up when configured.
func newStack(s Settings, logger *logging.Logger) (*stack, error) {
	if err := s.pollPolicy().Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll settings: %w", err)
	}

	st := &stack{
		settings: s,
		logger:   logger,
		client:   client.NewClient(s.clientConfig(), logger),
		stager:   capture.NewStager(s.StagingDir, logger),
		metrics:  observe.NewMetrics(),
	}
	st.poller = poller.New(st.client, s.pollPolicy(), logger)
	st.poller.SetRecorder(st.metrics)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "pcaprelay",
		ServiceVersion: Version,
		Environment:    "cli",
		OTLPEndpoint:   s.Tracing.Endpoint,
		Enabled:        s.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, err
	}
	st.tracer = tp

	deps := orchestrator.Dependencies{
		Submitter:  st.client,
		Poller:     st.poller,
		Downloader: st.client,
		Stager:     st.stager,
		Metrics:    st.metrics,
		Tracer:     tp.Tracer(),
	}
	st.orch = orchestrator.New(deps, logger)

	if s.Redis.Addr != "" {
		sink, err := observe.NewRedisSink(s.Redis.Addr, s.Redis.Channel, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.redis = sink
		st.sinkDone = make(chan struct{})
		go func() {
			defer close(st.sinkDone)
			sink.Run(context.Background(), st.orch.Broadcaster())
		}()
	}
	return st, nil
}

// Close stops the orchestrator and releases the optional sinks
func (st *stack) Close() error {
	st.orch.Close()
	if st.redis != nil {
		// the sink drains until the broadcaster closes
		<-st.sinkDone
		st.redis.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return st.tracer.Shutdown(ctx)
}
