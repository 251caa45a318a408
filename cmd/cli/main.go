package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	rootCmd   = &cobra.Command{
		Use:   "librisync",
		Short: "LibriSync CLI - Audiobook download manager",
		Long:  `A command-line interface for managing resumable audiobook downloads.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
}

var addCmd = &cobra.Command{
	Use:   "add [content-id]",
	Short: "Add a download to the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contentID := args[0]
		title, _ := cmd.Flags().GetString("title")

		payload := map[string]string{
			"content_id": contentID,
		}
		if title != "" {
			payload["title"] = title
		}

		data, _ := json.Marshal(payload)
		resp, err := http.Post(serverURL+"/api/v1/tasks", "application/json", bytes.NewBuffer(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		var result map[string]interface{}
		json.Unmarshal(body, &result)
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("Task already exists\n")
		} else {
			fmt.Printf("Task added successfully!\n")
		}
		fmt.Printf("ID: %s\n", result["id"])
		fmt.Printf("Status: %s\n", result["status"])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")

		url := serverURL + "/api/v1/tasks"
		if status != "" {
			url += "?status=" + status
		}

		resp, err := http.Get(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var tasks []map[string]interface{}
		json.Unmarshal(body, &tasks)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONTENT\tTITLE\tSTATUS\tPROGRESS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				truncate(stringField(t, "id"), 8),
				stringField(t, "content_id"),
				truncate(stringField(t, "title"), 30),
				stringField(t, "status"),
				progressColumn(t))
		}
		w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serverURL + "/api/v1/tasks/stats")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var stats map[string]interface{}
		json.Unmarshal(body, &stats)

		fmt.Println("Task Statistics:")
		fmt.Printf("  Total:       %v\n", stats["total"])
		fmt.Printf("  Queued:      %v\n", stats["queued"])
		fmt.Printf("  Downloading: %v\n", stats["downloading"])
		fmt.Printf("  Paused:      %v\n", stats["paused"])
		fmt.Printf("  Completed:   %v\n", stats["completed"])
		fmt.Printf("  Failed:      %v\n", stats["failed"])
		fmt.Printf("  Cancelled:   %v\n", stats["cancelled"])
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		resp, err := http.Get(serverURL + "/api/v1/tasks/" + id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		var task map[string]interface{}
		json.Unmarshal(body, &task)

		fmt.Printf("Task Details:\n")
		fmt.Printf("  ID:       %s\n", task["id"])
		fmt.Printf("  Content:  %s\n", task["content_id"])
		fmt.Printf("  Title:    %s\n", task["title"])
		fmt.Printf("  Status:   %s\n", task["status"])
		fmt.Printf("  Progress: %s\n", progressColumn(task))
		fmt.Printf("  Created:  %s\n", task["created_at"])
		if task["output_path"] != nil && task["output_path"] != "" {
			fmt.Printf("  Output:   %s\n", task["output_path"])
		}
		if task["error_message"] != nil && task["error_message"] != "" {
			fmt.Printf("  Error:    [%s] %s\n", task["error_category"], task["error_message"])
		}
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause a downloading task",
	Args:  cobra.ExactArgs(1),
	Run:   taskAction("pause", "Pause requested"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused or failed task",
	Args:  cobra.ExactArgs(1),
	Run:   taskAction("resume", "Task queued"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a task and delete its partial download",
	Args:  cobra.ExactArgs(1),
	Run:   taskAction("cancel", "Task cancelled"),
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Retry a failed task",
	Args:  cobra.ExactArgs(1),
	Run:   taskAction("retry", "Task queued for retry"),
}

// taskAction builds a command handler posting to a task sub-endpoint
func taskAction(action, successMsg string) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		id := args[0]
		resp, err := http.Post(serverURL+"/api/v1/tasks/"+id+"/"+action, "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}
		fmt.Println(successMsg)
	}
}

func init() {
	addCmd.Flags().StringP("title", "t", "", "Title for display purposes")
	listCmd.Flags().StringP("status", "s", "", "Filter by status")
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func progressColumn(t map[string]interface{}) string {
	done, _ := t["bytes_done"].(float64)
	total, _ := t["bytes_total"].(float64)
	if total <= 0 {
		return fmt.Sprintf("%.1f MiB", done/1024/1024)
	}
	return fmt.Sprintf("%.1f%%", done/total*100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
