package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	addrFlag   string
	limitFlag  int
	sinceFlag  string
	statusFlag string
	targetFlag string
)

var rootCmd = &cobra.Command{
	Use:   "examguardctl",
	Short: "Inspect and manage a running examguardd",
	Long: `examguardctl talks to the examguardd admin API: session identity and
risk state, recent violations, the durable upload queue and its
maintenance actions.

Examples:
  examguardctl status
  examguardctl violations --limit 20
  examguardctl queue --status failed
  examguardctl retry
  examguardctl cleanup
  examguardctl clear --target counters`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, risk and queue state",
	RunE:  runStatus,
}

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List recent violations",
	RunE:  runViolations,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show upload queue counts and items",
	RunE:  runQueue,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Recycle failed uploads back to pending",
	RunE:  runRetry,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old completed queue rows",
	RunE:  runCleanup,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the in-memory violation log and counters",
	RunE:  runClear,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "http://127.0.0.1:8752", "examguardd API address")
	violationsCmd.Flags().IntVar(&limitFlag, "limit", 50, "maximum violations to list (0 = all)")
	violationsCmd.Flags().StringVar(&sinceFlag, "since", "", "list violations at or after this RFC3339 time")
	queueCmd.Flags().StringVar(&statusFlag, "status", "", "also list items with this status (pending|uploading|success|failed)")
	queueCmd.Flags().IntVar(&limitFlag, "limit", 50, "maximum items to list")
	clearCmd.Flags().StringVar(&targetFlag, "target", "all", "what to clear: all, violations or counters")
	rootCmd.AddCommand(statusCmd, violationsCmd, queueCmd, retryCmd, cleanupCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Time    string `json:"time"`
	Version string `json:"version"`
	Session struct {
		AttemptID string `json:"attempt_id"`
		StudentID string `json:"student_id"`
		ExamID    string `json:"exam_id"`
	} `json:"session"`
	Risk struct {
		Score       float64           `json:"score"`
		Band        string            `json:"band"`
		SessionPeak float64           `json:"session_peak"`
		Pending     []string          `json:"pending"`
		Confirmed   map[string]string `json:"confirmed"`
	} `json:"risk"`
	Queue    map[string]int   `json:"queue"`
	Counters map[string]int64 `json:"counters"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp statusResponse
	if err := getJSON("/status", &resp); err != nil {
		return err
	}

	fmt.Printf("examguardd %s (%s)\n", resp.Version, resp.Status)
	fmt.Printf("Attempt:  %s\n", orDash(resp.Session.AttemptID))
	fmt.Printf("Student:  %s   Exam: %s\n", orDash(resp.Session.StudentID), orDash(resp.Session.ExamID))
	fmt.Printf("Risk:     %.1f (%s), session peak %.1f\n", resp.Risk.Score, resp.Risk.Band, resp.Risk.SessionPeak)
	if len(resp.Risk.Pending) > 0 {
		fmt.Printf("Pending confirmation: %s\n", strings.Join(resp.Risk.Pending, ", "))
	}
	if len(resp.Risk.Confirmed) > 0 {
		classes := make([]string, 0, len(resp.Risk.Confirmed))
		for class := range resp.Risk.Confirmed {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		fmt.Printf("Confirmed: %s\n", strings.Join(classes, ", "))
	}

	if len(resp.Queue) > 0 {
		parts := make([]string, 0, len(resp.Queue))
		for _, st := range []string{"pending", "uploading", "success", "failed"} {
			if n, ok := resp.Queue[st]; ok {
				parts = append(parts, fmt.Sprintf("%d %s", n, st))
			}
		}
		fmt.Printf("Queue:    %s\n", strings.Join(parts, ", "))
	} else {
		fmt.Println("Queue:    empty")
	}

	keys := make([]string, 0, len(resp.Counters))
	for k := range resp.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("Counters:")
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, resp.Counters[k])
	}
	return nil
}

func runViolations(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/violations?limit=%d", limitFlag)
	if sinceFlag != "" {
		if _, err := time.Parse(time.RFC3339, sinceFlag); err != nil {
			return fmt.Errorf("--since must be RFC3339: %w", err)
		}
		path = "/violations?since=" + sinceFlag
	}
	var resp struct {
		Violations []struct {
			Type        string    `json:"type"`
			Severity    int       `json:"severity"`
			Description string    `json:"description"`
			OccurredAt  time.Time `json:"occurred_at"`
		} `json:"violations"`
		Count int `json:"count"`
	}
	if err := getJSON(path, &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Println("No violations recorded.")
		return nil
	}
	for _, v := range resp.Violations {
		fmt.Printf("%s  sev=%-2d %-28s %s\n",
			v.OccurredAt.Local().Format("2006-01-02 15:04:05"), v.Severity, v.Type, v.Description)
	}
	fmt.Printf("%d violation(s)\n", resp.Count)
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	path := "/queue"
	if statusFlag != "" {
		path = fmt.Sprintf("/queue?status=%s&limit=%d", statusFlag, limitFlag)
	}
	var resp struct {
		Counts map[string]int `json:"counts"`
		Items  []struct {
			ID        int64     `json:"id"`
			Target    string    `json:"target"`
			FilePath  string    `json:"file_path"`
			Status    string    `json:"status"`
			Attempts  int       `json:"attempts"`
			LastError string    `json:"last_error"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"items"`
	}
	if err := getJSON(path, &resp); err != nil {
		return err
	}
	if len(resp.Counts) == 0 {
		fmt.Println("Queue is empty.")
	}
	for _, st := range []string{"pending", "uploading", "success", "failed"} {
		if n, ok := resp.Counts[st]; ok {
			fmt.Printf("%-10s %d\n", st, n)
		}
	}
	if len(resp.Items) > 0 {
		fmt.Println()
		for _, it := range resp.Items {
			line := fmt.Sprintf("#%-5d %s  %-10s attempts=%d  %s",
				it.ID, it.CreatedAt.Local().Format("2006-01-02 15:04:05"), it.Status, it.Attempts, it.Target)
			if it.FilePath != "" {
				line += "  " + it.FilePath
			}
			fmt.Println(line)
			if it.LastError != "" {
				fmt.Printf("       last error: %s\n", it.LastError)
			}
		}
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	var resp struct {
		Recycled int `json:"recycled"`
	}
	if err := postJSON("/admin/retry", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Recycled %d failed upload(s) back to pending.\n", resp.Recycled)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	var resp struct {
		Purged int `json:"purged"`
	}
	if err := postJSON("/admin/cleanup", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Purged %d old queue row(s).\n", resp.Purged)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	body := map[string]string{"target": targetFlag}
	if err := postJSON("/admin/clear", body, nil); err != nil {
		return err
	}
	fmt.Printf("Cleared %s.\n", targetFlag)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addrFlag + path)
	if err != nil {
		return fmt.Errorf("examguardd unreachable at %s: %w", addrFlag, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(addrFlag+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("examguardd unreachable at %s: %w", addrFlag, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
