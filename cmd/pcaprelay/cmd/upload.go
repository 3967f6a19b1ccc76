package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pcap-relay/pkg/capture"
)

var uploadOutput runOutput

var uploadCmd = &cobra.Command{
	Use:   "upload <capture-file>",
	Short: "Upload a capture and wait for the converted result",
	Long: `Upload a pcap or pcapng file to the processing service, poll the job
until it completes and write the result to stdout or --out.

Press Ctrl-C to cancel the run.

Example:
  pcaprelay upload trace.pcap --out trace.json
  pcaprelay upload trace.pcapng --server https://pcap.example.com:3100`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadOutput.register(uploadCmd.Flags())
}

func runUpload(cmd *cobra.Command, args []string) error {
	settings := loadSettings(viper.GetViper())
	logger := newLogger(settings)

	src, file, err := capture.OpenFile(args[0])
	if err != nil {
		return err
	}
	// staging happens on the run goroutine, keep the file open until it ends
	defer file.Close()

	st, err := newStack(settings, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	updates, unsubscribe := st.orch.Subscribe()
	defer unsubscribe()

	started := time.Now()
	run := st.orch.Start(src)
	if run == 0 {
		return fmt.Errorf("orchestrator is closed")
	}

	last, err := follow(st, updates, run)
	if err != nil {
		return err
	}
	return uploadOutput.finish(st, last, started)
}
