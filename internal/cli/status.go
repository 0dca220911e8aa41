package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/pkg/gateway"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the Conduit daemon and, when it is running,
the connection state of every external tool provider.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// PID file modification time approximates the start time
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	providers, err := fetchProviderStatus(cfg)
	if err != nil {
		fmt.Fprintf(out, "Providers: unavailable (%v)\n", err)
		return nil
	}
	if len(providers) == 0 {
		fmt.Fprintln(out, "Providers: none")
		return nil
	}
	fmt.Fprintln(out, "Providers:")
	for _, p := range providers {
		line := fmt.Sprintf("  %-20s %-12s tools=%d", p.ProviderID, p.Status, len(p.Tools))
		if p.LastError != "" {
			line += " error=" + p.LastError
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// fetchProviderStatus calls providers.status on the running gateway.
func fetchProviderStatus(cfg *config.Config) ([]toolexecutor.BindingInfo, error) {
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + "/rpc"

	body, err := json.Marshal(gateway.RPCRequest{ID: "status", Method: "providers.status", JSONRPC: "2.0"})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var rpcResp struct {
		Result struct {
			Providers []toolexecutor.BindingInfo `json:"providers"`
		} `json:"result"`
		Error *gateway.RPCError `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("invalid gateway response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result.Providers, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
