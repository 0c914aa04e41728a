// Package main implements the embeddctl CLI for manual operations
// against the embedd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the embedd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "embeddctl",
	Short: "CLI for embedd HTTP server operations",
	Long: `embeddctl is a command-line interface for interacting with the embedd server.
It provides commands for embedding content, checking tenant health, and
driving collection migrations.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "embedd server URL")
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(validateCmd)

	for _, cmd := range []*cobra.Command{migrateCmd, validateCmd} {
		cmd.Flags().String("provider", "", "target embedding provider (tei or openai)")
		cmd.Flags().String("model", "", "target embedding model")
		cmd.Flags().Int("dimension", 0, "target vector dimension")
	}
	migrateCmd.Flags().Bool("wait", false, "poll until the migration reaches a terminal phase")
}

// embedCmd embeds content for a tenant, reading from the argument or stdin
var embedCmd = &cobra.Command{
	Use:   "embed <tenant> [content]",
	Short: "Embed content for a tenant",
	Long: `Embed a piece of content into the tenant's active collection.

Examples:
  # Embed a string
  embeddctl embed tenant-a "release notes for v2"

  # Embed from stdin
  cat notes.txt | embeddctl embed tenant-a -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEmbed,
}

var healthCmd = &cobra.Command{
	Use:   "health <tenant>",
	Short: "Show tenant collection health",
	Args:  cobra.ExactArgs(1),
	RunE:  runHealth,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <tenant>",
	Short: "Start a collection migration to a new embedding configuration",
	Long: `Start migrating a tenant's collection to a new embedding configuration.
The migration runs asynchronously; use "embeddctl status <job-id>" to follow
it, or pass --wait to poll until it finishes.

Examples:
  embeddctl migrate tenant-a --provider tei --model BAAI/bge-base-en-v1.5 --dimension 768 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show migration job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running migration",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <job-id>",
	Short: "Roll back a running migration",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var validateCmd = &cobra.Command{
	Use:   "validate <tenant>",
	Short: "Check whether a configuration change needs a migration",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runEmbed(cmd *cobra.Command, args []string) error {
	tenant := args[0]

	var content string
	if len(args) == 2 && args[1] != "-" {
		content = args[1]
	} else {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		content = string(raw)
	}

	return postJSON(fmt.Sprintf("/v1/tenants/%s/embeddings", tenant), map[string]string{"content": content})
}

func runHealth(cmd *cobra.Command, args []string) error {
	return getJSON(fmt.Sprintf("/v1/tenants/%s/health", args[0]))
}

func configBody(cmd *cobra.Command) (map[string]interface{}, error) {
	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	dimension, _ := cmd.Flags().GetInt("dimension")
	if provider == "" || model == "" || dimension <= 0 {
		return nil, fmt.Errorf("--provider, --model and --dimension are required")
	}
	return map[string]interface{}{
		"provider":  provider,
		"model":     model,
		"dimension": dimension,
	}, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	body, err := configBody(cmd)
	if err != nil {
		return err
	}

	raw, err := request(http.MethodPost, fmt.Sprintf("/v1/tenants/%s/migrations", args[0]), body)
	if err != nil {
		return err
	}

	var started struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &started); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	fmt.Printf("job %s started\n", started.JobID)

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		return pollJob(started.JobID)
	}
	return nil
}

// pollJob follows a job until it reaches a terminal phase.
func pollJob(jobID string) error {
	for {
		raw, err := request(http.MethodGet, "/v1/migrations/"+jobID, nil)
		if err != nil {
			return err
		}

		var status struct {
			Phase           string  `json:"phase"`
			PercentComplete float64 `json:"percent_complete"`
			Error           string  `json:"error"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}
		fmt.Printf("phase=%s %.1f%%\n", status.Phase, status.PercentComplete)

		switch status.Phase {
		case "completed":
			return nil
		case "failed", "rolled_back":
			if status.Error != "" {
				return fmt.Errorf("migration %s: %s", status.Phase, status.Error)
			}
			return fmt.Errorf("migration %s", status.Phase)
		}
		time.Sleep(time.Second)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	return getJSON("/v1/migrations/" + args[0])
}

func runCancel(cmd *cobra.Command, args []string) error {
	if _, err := request(http.MethodDelete, "/v1/migrations/"+args[0], nil); err != nil {
		return err
	}
	fmt.Println("cancel requested")
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	if _, err := request(http.MethodPost, "/v1/migrations/"+args[0]+"/rollback", nil); err != nil {
		return err
	}
	fmt.Println("rollback requested")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	body, err := configBody(cmd)
	if err != nil {
		return err
	}
	return postJSON(fmt.Sprintf("/v1/tenants/%s/config/validate", args[0]), body)
}

// request performs an HTTP request and returns the raw body, turning
// non-2xx responses into errors carrying the server's message.
func request(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func getJSON(path string) error {
	raw, err := request(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func postJSON(path string, body interface{}) error {
	raw, err := request(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

// printJSON pretty-prints a JSON response body.
func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
