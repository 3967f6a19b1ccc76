package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/observe"
)

var errCancelled = errors.New("cancelled")

// runOutput holds the flags shared by commands that drive a run
type runOutput struct {
	outFile     string
	metricsDump bool
}

func (o *runOutput) register(flags interface {
	StringVar(p *string, name, value, usage string)
	BoolVar(p *bool, name string, value bool, usage string)
}) {
	flags.StringVar(&o.outFile, "out", "", "write the result to this file instead of stdout")
	flags.BoolVar(&o.metricsDump, "metrics-dump", false, "print the metrics registry to stderr on exit")
}

// follow prints the states of run until it ends. SIGINT/SIGTERM cancel
// the run and end with errCancelled. If updates closes first it waits
// for the run and reports the orchestrator's final state.
func follow(st *stack, updates <-chan observe.Update, run uint64) (observe.Update, error) {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last observe.Update
	printed := -1
	for {
		select {
		case <-sigCtx.Done():
			st.orch.Cancel()
			fmt.Fprintln(os.Stderr, "Cancelled")
			return last, errCancelled
		case u, ok := <-updates:
			if !ok {
				// subscription ended early, the run itself may still be healthy
				st.orch.Wait()
				final := st.orch.Snapshot()
				if final.Run != run || !models.IsTerminal(final.State) {
					return final, fmt.Errorf("run %d ended without a result (%s)", run, models.Describe(final.State))
				}
				if !IsJSONOutput() {
					fmt.Fprintln(os.Stderr, models.Describe(final.State))
				}
				return final, nil
			}
			if u.Run != run {
				continue
			}
			last = u

			if up, isUpload := u.State.(models.Uploading); isUpload {
				// one line per 10%
				step := int(up.Progress * 10)
				if step == printed {
					continue
				}
				printed = step
			}
			if !IsJSONOutput() {
				fmt.Fprintln(os.Stderr, models.Describe(u.State))
			}

			if models.IsTerminal(u.State) {
				return u, nil
			}
		}
	}
}

// finish writes the artifact and the run summary and turns Failed into an error
func (o *runOutput) finish(st *stack, u observe.Update, started time.Time) error {
	defer func() {
		if o.metricsDump {
			if err := st.metrics.WriteText(os.Stderr); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to dump metrics: %v\n", err)
			}
		}
	}()

	if done, ok := u.State.(models.Succeeded); ok {
		if err := o.writeResult(done.Content); err != nil {
			return err
		}
	}

	if IsJSONOutput() {
		snap := u.Snapshot()
		if o.outFile == "" {
			// the artifact already went to stdout
			snap.Content = ""
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		printSummary(os.Stderr, u, time.Since(started), o.outFile)
	}

	if failed, ok := u.State.(models.Failed); ok {
		return errors.New(failed.Message)
	}
	return nil
}

func (o *runOutput) writeResult(content []byte) error {
	if o.outFile == "" {
		_, err := os.Stdout.Write(content)
		return err
	}
	if err := os.WriteFile(o.outFile, content, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, u observe.Update, elapsed time.Duration, outFile string) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	jobID, _ := models.JobIDOf(u.State)
	table.Append("Run", fmt.Sprintf("%d", u.Run))
	table.Append("Job ID", jobID)
	table.Append("State", string(u.State.Kind()))
	table.Append("Elapsed", elapsed.Round(time.Millisecond).String())

	switch v := u.State.(type) {
	case models.Succeeded:
		table.Append("Bytes", fmt.Sprintf("%d", len(v.Content)))
		if outFile != "" {
			table.Append("Written To", outFile)
		}
	case models.Failed:
		table.Append("Error", v.Message)
	}

	table.Render()
}
