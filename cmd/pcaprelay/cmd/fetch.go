package cmd

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fetchOutput runOutput

var fetchCmd = &cobra.Command{
	Use:   "fetch [job-id] <url>",
	Short: "Download the result of a finished job",
	Long: `Download the artifact of a job that already completed, skipping upload
and polling. The job id defaults to the last path element of the URL.

Example:
  pcaprelay fetch https://pcap.example.com/results/3f2a.json
  pcaprelay fetch 3f2a https://cdn.example.com/out/3f2a.json --out out.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchOutput.register(fetchCmd.Flags())
}

func runFetch(cmd *cobra.Command, args []string) error {
	jobID, url := jobFromURL(args[0]), args[0]
	if len(args) == 2 {
		jobID, url = args[0], args[1]
	}
	if jobID == "" {
		return fmt.Errorf("cannot derive a job id from %q, pass it explicitly", url)
	}

	settings := loadSettings(viper.GetViper())
	st, err := newStack(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer st.Close()

	updates, unsubscribe := st.orch.Subscribe()
	defer unsubscribe()

	started := time.Now()
	run := st.orch.Fetch(jobID, url)
	if run == 0 {
		return fmt.Errorf("orchestrator is closed")
	}

	last, err := follow(st, updates, run)
	if err != nil {
		return err
	}
	return fetchOutput.finish(st, last, started)
}

// jobFromURL returns the last path element without its extension
func jobFromURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	base := path.Base(strings.TrimRight(raw, "/"))
	if base == "." || base == "/" || strings.HasSuffix(base, ":") {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
