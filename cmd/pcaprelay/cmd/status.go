package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/poller"
)

var followStatus bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long: `Ask the processing service for the status of a job. With --follow the
job is polled with the configured poll settings until it completes.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job completes, fails or the attempt budget runs out")
}

type statusResult struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	URL    string           `json:"url,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	settings := loadSettings(viper.GetViper())
	logger := newLogger(settings)
	c := client.NewClient(settings.clientConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !followStatus {
		resp, err := c.Status(ctx, jobID)
		if err != nil {
			return err
		}
		result := statusResult{JobID: jobID, Status: resp.Status}
		result.URL, _ = resp.ResultLocation()
		if resp.Status == models.JobStatusFailed {
			result.Error = resp.ErrorMessage()
		}
		return printStatus(result)
	}

	p := poller.New(c, settings.pollPolicy(), logger)
	url, err := p.Run(ctx, jobID, func(attempt int) error {
		if !IsJSONOutput() {
			fmt.Fprintln(os.Stderr, models.Describe(models.Polling{JobID: jobID, Attempt: attempt}))
		}
		return nil
	})
	if err != nil {
		var remote *poller.RemoteFailure
		if errors.As(err, &remote) {
			printStatus(statusResult{JobID: jobID, Status: models.JobStatusFailed, Error: remote.Reason})
		}
		return err
	}
	return printStatus(statusResult{JobID: jobID, Status: models.JobStatusCompleted, URL: url})
}

func printStatus(r statusResult) error {
	if IsJSONOutput() {
		output, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", r.JobID)
	table.Append("Status", string(r.Status))
	if r.URL != "" {
		table.Append("Result URL", r.URL)
	}
	if r.Error != "" {
		table.Append("Error", r.Error)
	}
	table.Render()
	return nil
}
