package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/watchrelay/watchrelay/internal/hub"
	"github.com/watchrelay/watchrelay/internal/store"
)

// httpBase converts a hub URL to the base of its HTTP API.
func httpBase(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, "/ws")
}

// getJSON fetches path from the hub API into v.
func getJSON(base, path string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(httpBase(base) + path)
	if err != nil {
		return fmt.Errorf("contacting hub: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding hub response: %w", err)
	}
	return nil
}

// printOutput renders v as json or yaml. It returns false for "text".
func printOutput(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "text", "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// ---------------------------------------------------------------------------
// statusCmd
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the hub's presence status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var report hub.StatusReport
			if err := getJSON(cfg.HubURL, "/api/v1/status", &report); err != nil {
				return err
			}

			if done, err := printOutput(os.Stdout, output, report); done || err != nil {
				return err
			}
			yn := func(b bool) string {
				if b {
					return "connected"
				}
				return "not connected"
			}
			fmt.Printf("hub:               %s\n", httpBase(cfg.HubURL))
			fmt.Printf("controller:        %s\n", yn(report.ControllerConnected))
			fmt.Printf("controlled device: %s\n", yn(report.ControlledDeviceConnected))
			fmt.Printf("connections:       %d\n", report.Connections)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

// ---------------------------------------------------------------------------
// activityCmd
// ---------------------------------------------------------------------------

func activityCmd() *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the hub's recent activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var entries []store.Activity
			if err := getJSON(cfg.HubURL, fmt.Sprintf("/api/v1/activity?limit=%d", limit), &entries); err != nil {
				return err
			}

			if done, err := printOutput(os.Stdout, output, entries); done || err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no activity recorded")
				return nil
			}
			fmt.Printf("%-20s %-13s %-18s %-15s %s\n", "TIME", "KIND", "ROLE/EVENT", "CONN", "DETAIL")
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				what := e.Role
				if e.Event != "" {
					what = e.Event
				}
				conn := e.ConnID
				if len(conn) > 8 {
					conn = conn[:8]
				}
				fmt.Printf("%-20s %-13s %-18s %-15s %s\n",
					e.At.Local().Format("2006-01-02 15:04:05"), e.Kind, what, conn, e.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

// ---------------------------------------------------------------------------
// pairCmd
// ---------------------------------------------------------------------------

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Print the hub URL as a QR code for setting up the other device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := httpBase(cfg.HubURL)
			q, err := qrcode.New(url, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("encoding QR code: %w", err)
			}
			fmt.Print(q.ToSmallString(false))
			fmt.Printf("\nhub_url = %q\n", url)
			return nil
		},
	}
}
