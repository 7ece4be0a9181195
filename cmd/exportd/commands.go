package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wa-export/exportd/internal/config"
	"github.com/wa-export/exportd/internal/journal"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
)

var journalLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fail(err)
		}
		return runStatus(cfg)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions of the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fail(err)
		}
		return runSessions(cfg)
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent user actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fail(err)
		}
		return runJournal(cfg)
	},
}

func init() {
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "Number of entries to show")
}

func fail(err error) error {
	if jsonOutput {
		outputJSON(map[string]any{"error": err.Error()})
	}
	return err
}

func runStatus(cfg *config.Config) error {
	layout := userdata.NewLayout(cfg.Storage.DataDir)
	users, err := layout.Users()
	if err != nil {
		users = nil
	}
	paired := 0
	for _, u := range users {
		if layout.HasCredentials(u) {
			paired++
		}
	}

	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	healthErr := getJSON(cfg, "/healthz", &health)

	status := map[string]any{
		"version":         getVersion(),
		"listen":          cfg.Server.Listen,
		"data_dir":        cfg.Storage.DataDir,
		"users":           len(users),
		"paired_users":    paired,
		"journal_enabled": cfg.Journal.Enabled,
		"journal_dir":     cfg.Journal.Dir,
		"daemon_running":  healthErr == nil,
		"active_sessions": health.Sessions,
	}
	if healthErr != nil {
		status["daemon_error"] = healthErr.Error()
	}

	if jsonOutput {
		outputJSON(status)
		return nil
	}
	fmt.Printf("Export Daemon Status\n")
	fmt.Printf("====================\n")
	fmt.Printf("Version:         %s\n", getVersion())
	fmt.Printf("Listen:          %s\n", cfg.Server.Listen)
	fmt.Printf("Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("Users:           %d (%d paired)\n", len(users), paired)
	fmt.Printf("Journal:         %v (%s)\n", cfg.Journal.Enabled, cfg.Journal.Dir)
	fmt.Printf("Daemon Running:  %v\n", healthErr == nil)
	if healthErr != nil {
		fmt.Printf("Daemon Error:    %s\n", healthErr.Error())
	} else {
		fmt.Printf("Active Sessions: %d\n", health.Sessions)
	}
	return nil
}

func runSessions(cfg *config.Config) error {
	var list struct {
		Sessions   []session.Status `json:"sessions"`
		TotalCount int              `json:"total_count"`
	}
	if err := getJSON(cfg, "/v1/sessions", &list); err != nil {
		return fail(fmt.Errorf("failed to query daemon: %w", err))
	}

	if jsonOutput {
		outputJSON(list)
		return nil
	}
	if len(list.Sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}
	fmt.Printf("Sessions (%d total)\n", list.TotalCount)
	fmt.Println(strings.Repeat("=", 60))
	for _, s := range list.Sessions {
		fmt.Printf("\nuser-%s (%s)\n", s.UserID, s.Username)
		fmt.Printf("  State:    %s\n", s.State)
		fmt.Printf("  Since:    %s\n", s.CreatedAt.Local().Format(time.DateTime))
		if s.ChannelID != "" {
			fmt.Printf("  Channel:  %s\n", s.ChannelID)
		}
	}
	return nil
}

func runJournal(cfg *config.Config) error {
	entries, err := journal.ReadRecent(cfg.Journal.Dir, journalLimit)
	if err != nil {
		return fail(err)
	}
	if jsonOutput {
		if entries == nil {
			entries = []journal.Entry{}
		}
		outputJSON(map[string]any{"entries": entries})
		return nil
	}
	if len(entries) == 0 {
		fmt.Println("No journal entries found")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-22s user-%s (%s)", e.Timestamp.Local().Format(time.DateTime), e.Action, e.UserID, e.Username)
		if e.IP != "" {
			line += " from " + e.IP
		}
		if e.Details != "" {
			line += "  " + e.Details
		}
		fmt.Println(line)
	}
	return nil
}

// getJSON queries the local daemon.
func getJSON(cfg *config.Config, path string, out any) error {
	url := "http://" + dialAddr(cfg.Server.Listen) + path
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// dialAddr turns a listen address such as ":3000" into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
