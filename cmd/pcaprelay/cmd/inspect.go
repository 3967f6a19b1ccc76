package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/pcap-relay/pkg/capture"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <capture-file>...",
	Short: "Show format and packet counts of capture files",
	Long:  `Read capture files locally and report format, link type, snap length and packet count without uploading them.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	var infos []interface{}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Format", "Type", "Link", "Snaplen", "Packets", "Bytes", "Duration")

	failed := 0
	for _, path := range args {
		info, err := capture.Inspect(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		infos = append(infos, info)

		duration := info.Duration().Round(time.Millisecond).String()
		if info.Truncated {
			duration += " (truncated)"
		}
		table.Append(
			path,
			info.Format,
			info.ContentType,
			info.LinkType,
			fmt.Sprintf("%d", info.SnapLen),
			fmt.Sprintf("%d", info.Packets),
			fmt.Sprintf("%d", info.Bytes),
			duration,
		)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else if len(infos) > 0 {
		table.Render()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be inspected", failed, len(args))
	}
	return nil
}
