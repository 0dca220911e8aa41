package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/harun/conduit/internal/daemon"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	toolsToolkits       []string
	toolsIncludeControl bool
	toolsJSON           bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools a model would be offered",
	Long: `Build the tool registry from the configuration, connect every external
provider and print the resulting function specs. With --toolkits the list
is narrowed to what a caller allowing those toolkits would see.`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringSliceVar(&toolsToolkits, "toolkits", nil, "only show tools permitted by these toolkits")
	toolsCmd.Flags().BoolVar(&toolsIncludeControl, "include-control", false, "include realtime control tools")
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print function specs as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stack, err := daemon.NewToolStack(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	snap := stack.Registry.Load(ctx)

	var specs []toolexecutor.FunctionSpec
	if len(toolsToolkits) == 0 {
		specs = toolexecutor.FunctionSpecs(snap.Tools, toolsIncludeControl)
	} else {
		perms := toolexecutor.Resolve(toolexecutor.CallerAllow{Toolkits: toolsToolkits}, nil)
		specs = snap.Functions(perms, toolsIncludeControl)
	}

	out := cmd.OutOrStdout()
	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}
	printFunctionSpecs(out, specs)
	for _, b := range snap.Bindings {
		if b.Status != toolexecutor.StatusConnected {
			fmt.Fprintf(out, "\nprovider %s is %s: %s\n", b.ProviderID, b.Status, b.LastError)
		}
	}
	return nil
}

func printFunctionSpecs(w io.Writer, specs []toolexecutor.FunctionSpec) {
	sorted := append([]toolexecutor.FunctionSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, s := range sorted {
		desc := strings.SplitN(s.Description, "\n", 2)[0]
		fmt.Fprintf(w, "%-40s %-10s %s\n", s.Name, s.Source, desc)
	}
	fmt.Fprintf(w, "\n%d tools\n", len(sorted))
}
