package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kdimtricp/callpilot/internal/config"
)

var (
	cfgFile      string
	apiURL       string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "callpilot",
	Short: "Automatic job acceptance server for driver devices",
	Long: `callpilot receives screen captures from driver devices over a websocket,
spots job offers, decides whether to take them and taps accept on the device.

The serve command runs the server. The remaining commands talk to a running
server's monitoring API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "monitoring API URL (default $CALLPILOT_API or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// GetAPIURL returns the monitoring API base URL without a trailing slash.
func GetAPIURL() string {
	url := apiURL
	if url == "" {
		env := viper.New()
		env.SetEnvPrefix(config.EnvPrefix)
		env.BindEnv("api")
		url = env.GetString("api")
	}
	if url == "" {
		url = "http://localhost:8080"
	}
	return strings.TrimRight(url, "/")
}

// IsJSONOutput returns true if JSON output is requested.
func IsJSONOutput() bool {
	return outputFormat == "json"
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// callAPI sends body (if not nil) as JSON and decodes a JSON response into
// out (if not nil). Any status outside wantStatus is an error.
func callAPI(method, path string, body any, out any, wantStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, GetAPIURL()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if len(wantStatus) == 0 {
		wantStatus = []int{http.StatusOK}
	}
	ok := false
	for _, s := range wantStatus {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
