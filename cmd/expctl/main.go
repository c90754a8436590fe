package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverAddr string
	actor      string

	// Subcommand flags
	specFile    string
	pauseReason string
	listStatus  string
	listLimit   int
	listOffset  int
	olderThan   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "expctl",
		Short: "Operator CLI for the experiments service",
		Long: `expctl manages A/B experiments through the experiments HTTP API:
create, lifecycle transitions, results inspection, and event cleanup.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", envOr("EXPERIMENTS_ADDR", "http://localhost:8080"), "Experiments server address")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", envOr("USER", ""), "Actor recorded as created_by on writes")

	// Subcommands
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(cleanupEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// createCmd submits an experiment definition from a JSON file
func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment from a JSON definition",
		Long: `Creates a draft experiment. The definition file carries the same JSON
the POST /v1/experiments endpoint accepts (name, primary_metric, variants, ...).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("failed to read definition: %w", err)
			}

			var created struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				Status string `json:"status"`
			}
			if err := call(http.MethodPost, "/v1/experiments", spec, &created); err != nil {
				return err
			}

			fmt.Printf("Created experiment %s (%s), status: %s\n", created.ID, created.Name, created.Status)
			fmt.Printf("\nNext: Run 'expctl start %s' to go live\n", created.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Experiment definition file (JSON)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Start a draft experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/start", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s is active\n", args[0])
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <experiment-id>",
		Short: "Pause an active experiment (no-op if not active)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"reason": pauseReason})
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/pause", body, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s paused\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&pauseReason, "reason", "", "Reason recorded on the experiment")

	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <experiment-id>",
		Short: "Resume a paused experiment (no-op if not paused)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/resume", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s resumed\n", args[0])
			return nil
		},
	}
}

// completeCmd finishes an experiment and prints the final results
func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <experiment-id>",
		Short: "Complete an experiment and print the final results",
		Long: `Transitions the experiment to completed and persists the final results
snapshot. Completing an already-completed experiment reprints that snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results resultsPayload
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/complete", nil, &results); err != nil {
				return err
			}
			printResults(&results)
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <experiment-id>",
		Short: "Archive a completed experiment (no-op if not completed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/archive", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s archived\n", args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if listStatus != "" {
				q.Set("status", listStatus)
			}
			q.Set("limit", strconv.Itoa(listLimit))
			q.Set("offset", strconv.Itoa(listOffset))

			var page struct {
				Experiments []struct {
					ID            string `json:"id"`
					Name          string `json:"name"`
					Status        string `json:"status"`
					PrimaryMetric string `json:"primary_metric"`
					CreatedAt     string `json:"created_at"`
				} `json:"experiments"`
				Total int `json:"total"`
			}
			if err := call(http.MethodGet, "/v1/experiments?"+q.Encode(), nil, &page); err != nil {
				return err
			}

			fmt.Printf("%-36s  %-10s  %-16s  %s\n", "ID", "STATUS", "METRIC", "NAME")
			for _, e := range page.Experiments {
				fmt.Printf("%-36s  %-10s  %-16s  %s\n", e.ID, e.Status, e.PrimaryMetric, e.Name)
			}
			fmt.Printf("\n%d of %d experiments\n", len(page.Experiments), page.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (draft/active/paused/completed/archived)")
	cmd.Flags().IntVar(&listLimit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&listOffset, "offset", 0, "Page offset")

	return cmd
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Show current experiment results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results resultsPayload
			if err := call(http.MethodGet, "/v1/experiments/"+args[0]+"/results", nil, &results); err != nil {
				return err
			}
			printResults(&results)
			return nil
		},
	}
}

// cleanupEventsCmd prunes raw events of an archived experiment
func cleanupEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup-events <experiment-id>",
		Short: "Delete old raw events of an archived experiment",
		Long: `Deletes events older than the --older-than window. Only archived
experiments qualify; the final results snapshot is unaffected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			before := time.Now().Add(-olderThan).UTC().Format(time.RFC3339)

			var out struct {
				Removed int64 `json:"removed"`
			}
			path := "/v1/experiments/" + args[0] + "/events?before=" + url.QueryEscape(before)
			if err := call(http.MethodDelete, path, nil, &out); err != nil {
				return err
			}
			fmt.Printf("Removed %d events older than %s\n", out.Removed, before)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Minimum event age to delete")

	return cmd
}

// --- HTTP plumbing ---

type resultsPayload struct {
	ExperimentID string `json:"experiment_id"`
	Metric       string `json:"primary_metric"`
	Variants     []struct {
		Key         string  `json:"variant_key"`
		IsControl   bool    `json:"is_control"`
		SampleSize  int64   `json:"sample_size"`
		Conversions int64   `json:"conversions"`
		Rate        float64 `json:"conversion_rate"`
		Low         float64 `json:"interval_low"`
		High        float64 `json:"interval_high"`
		PValue      float64 `json:"p_value"`
		Significant bool    `json:"significant"`
		Improvement float64 `json:"improvement_over_control"`
	} `json:"variants"`
	TotalSampleSize int64   `json:"total_sample_size"`
	Significant     bool    `json:"is_statistically_significant"`
	Winner          string  `json:"winner_variant_id"`
	DurationDays    float64 `json:"duration_days"`
}

func printResults(r *resultsPayload) {
	fmt.Printf("=== Results: %s (metric: %s) ===\n", r.ExperimentID, r.Metric)
	fmt.Printf("%-12s  %8s  %8s  %8s  %19s  %8s  %12s\n",
		"VARIANT", "SAMPLES", "CONV", "RATE", "95% CI", "P-VALUE", "IMPROVEMENT")
	for _, v := range r.Variants {
		key := v.Key
		if v.IsControl {
			key += "*"
		}
		fmt.Printf("%-12s  %8d  %8d  %7.2f%%  [%7.4f, %7.4f]  %8.4f  %+10.1f%%\n",
			key, v.SampleSize, v.Conversions, v.Rate*100, v.Low, v.High, v.PValue, v.Improvement)
	}
	fmt.Printf("\nTotal samples: %d, duration: %.1f days\n", r.TotalSampleSize, r.DurationDays)
	if r.Significant {
		fmt.Printf("Statistically significant; winner: %s\n", r.Winner)
	} else {
		fmt.Printf("Not statistically significant yet\n")
	}
}

func call(method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-User-ID", actor)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
