package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/storemon/internal/config"
	"github.com/kalambet/storemon/internal/export"
	"github.com/kalambet/storemon/internal/ingest"
	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/report"
	"github.com/kalambet/storemon/internal/storage"
)

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load the store status, business hours and time zone CSV exports",
	Long: `Load the source CSV exports into local storage, replacing the previous
dataset. Flags default to the import.* config keys.

Examples:
  storemon import --status store_status.csv --hours menu_hours.csv --timezones timezones.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		files := importFiles(cfg)
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			files.Status = v
		}
		if v, _ := cmd.Flags().GetString("hours"); v != "" {
			files.Hours = v
		}
		if v, _ := cmd.Flags().GetString("timezones"); v != "" {
			files.Timezones = v
		}
		if files.Status == "" {
			return fmt.Errorf("--status or import.status_file is required")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		printStep("Importing %s", files.Status)
		sum, err := ingest.Import(cmd.Context(), store, files)
		if err != nil {
			return err
		}

		printSuccess("Imported %d observations, %d business hours, %d time zones", sum.Observations, sum.BusinessHours, sum.Timezones)
		if sum.Skipped > 0 {
			printWarning("Skipped %d malformed rows", sum.Skipped)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("status", "", "store status CSV (store_id,status,timestamp_utc)")
	importCmd.Flags().String("hours", "", "business hours CSV (store_id,day,start_time_local,end_time_local)")
	importCmd.Flags().String("timezones", "", "time zone CSV (store_id,timezone_str)")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Trigger and download uptime reports",
}

var reportTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a report over all stores and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		id, err := triggerReport(cmd.Context(), client)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)

		if wait, _ := cmd.Flags().GetBool("wait"); wait {
			return waitAndSave(cmd, client, id)
		}
		return nil
	},
}

var reportGetCmd = &cobra.Command{
	Use:   "get <report_id>",
	Short: "Show a report's status, or download it once complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		res, err := fetchReport(cmd.Context(), client, args[0], format)
		if err != nil {
			return err
		}
		return saveResult(cmd, args[0], format, res)
	},
}

var reportWaitCmd = &cobra.Command{
	Use:   "wait <report_id>",
	Short: "Poll a report until it finishes, then download it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return waitAndSave(cmd, client, args[0])
	},
}

func init() {
	reportTriggerCmd.Flags().Bool("wait", false, "wait for the report and download it")
	for _, c := range []*cobra.Command{reportTriggerCmd, reportGetCmd, reportWaitCmd} {
		c.Flags().String("format", "csv", "download format: csv, json or xlsx")
		c.Flags().StringP("output", "o", "", "write the report to this file instead of stdout")
	}
	for _, c := range []*cobra.Command{reportTriggerCmd, reportWaitCmd} {
		c.Flags().Duration("interval", 2*time.Second, "poll interval")
		c.Flags().Duration("timeout", 10*time.Minute, "give up after this long")
	}

	reportCmd.AddCommand(reportTriggerCmd)
	reportCmd.AddCommand(reportGetCmd)
	reportCmd.AddCommand(reportWaitCmd)
}

type reportResult struct {
	Status string
	Error  string
	Body   []byte
}

func triggerReport(ctx context.Context, client *apiClient) (string, error) {
	resp, err := client.post(ctx, "/trigger_report", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ReportID string `json:"report_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.ReportID, nil
}

// fetchReport polls /get_report once. Status bodies are JSON; a completed
// csv or xlsx report arrives as an attachment.
func fetchReport(ctx context.Context, client *apiClient, id, format string) (reportResult, error) {
	q := url.Values{"report_id": {id}, "format": {format}}
	resp, err := client.get(ctx, "/get_report?"+q.Encode())
	if err != nil {
		return reportResult{}, err
	}
	if err := checkStatus(resp); err != nil {
		return reportResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return reportResult{}, fmt.Errorf("reading report: %w", err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return reportResult{Status: report.StatusComplete, Body: body}, nil
	}

	var st struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return reportResult{}, fmt.Errorf("decoding report status: %w", err)
	}
	return reportResult{Status: st.Status, Error: st.Error, Body: body}, nil
}

func waitAndSave(cmd *cobra.Command, client *apiClient, id string) error {
	format, _ := cmd.Flags().GetString("format")
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	printStep("Waiting for report %s", id)
	for {
		res, err := fetchReport(ctx, client, id, format)
		if err != nil {
			return err
		}
		if res.Status != report.StatusRunning {
			return saveResult(cmd, id, format, res)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("report %s still running: %w", id, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func saveResult(cmd *cobra.Command, id, format string, res reportResult) error {
	switch res.Status {
	case report.StatusRunning:
		printStatus("Report", "%s is still running", id)
		return nil
	case report.StatusError:
		printError("report %s failed: %s", id, res.Error)
		return errors.New("report failed")
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" && format == "xlsx" {
		output = export.Filename(id, "xlsx")
	}
	if output == "" {
		_, err := cmd.OutOrStdout().Write(res.Body)
		return err
	}
	if err := os.WriteFile(output, res.Body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	printSuccess("Saved report %s to %s", id, output)
	return nil
}

// --- stores ---

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Inspect individual stores",
}

var storesMetricsCmd = &cobra.Command{
	Use:   "metrics <store_id>",
	Short: "Compute uptime and downtime of one store now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/stores/" + url.PathEscape(args[0]) + "/metrics"
		if at, _ := cmd.Flags().GetString("at"); at != "" {
			path += "?" + url.Values{"at": {at}}.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var out struct {
			Rows []monitor.Row `json:"rows"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		return printRows(cmd.OutOrStdout(), out.Rows)
	},
}

func init() {
	storesMetricsCmd.Flags().String("at", "", "compute as of this RFC 3339 time instead of now")
	storesCmd.AddCommand(storesMetricsCmd)
}

func printRows(w io.Writer, rows []monitor.Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HORIZON\tUPTIME\tDOWNTIME\tSCHEDULED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\n", r.Horizon, r.UptimeMinutes, r.DowntimeMinutes, r.ScheduledMinutes)
	}
	return tw.Flush()
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
