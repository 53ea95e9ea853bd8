package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/seabone/internal/api"
	"github.com/kalambet/seabone/internal/config"
	"github.com/kalambet/seabone/internal/maintenance"
	"github.com/kalambet/seabone/internal/provider"
	"github.com/kalambet/seabone/internal/reasoning"
	"github.com/kalambet/seabone/internal/storage"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

// --- chat ---

const defaultChatSession = "cli"

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message, or start an interactive chat when none is given",
	Long: `Send a message to a session and print the reply.

Examples:
  seabone chat "what did we decide about the deploy window?"
  seabone chat --session ops
  seabone chat --tools read_memory "summarize my notes"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		allowed, _ := cmd.Flags().GetStringSlice("tools")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			reply, err := sendMessage(cmd.Context(), client, session, strings.Join(args, " "), allowed)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		}
		return chatLoop(cmd.Context(), client, session, allowed, os.Stdin, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("session", defaultChatSession, "session key")
	chatCmd.Flags().StringSlice("tools", nil, "restrict the tools available for this message")
}

func sendMessage(ctx context.Context, client *apiClient, session, text string, allowed []string) (string, error) {
	resp, err := client.post(ctx, "/sessions/"+url.PathEscape(session)+"/messages", api.MessageRequest{
		Text:         text,
		AllowedTools: allowed,
	})
	if err != nil {
		return "", err
	}
	var result api.MessageResponse
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.Reply, nil
}

// chatLoop reads one message per line until EOF or "/exit".
func chatLoop(ctx context.Context, client *apiClient, session string, allowed []string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "%s (session %s, /exit to quit)\n", colorize(colorBold, "seabone chat"), session)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, colorize(colorCyan, "> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		reply, err := sendMessage(ctx, client, session, line, allowed)
		if err != nil {
			printError("%v", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage session transcripts",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}
		var files []transcript.FileInfo
		if err := decodeJSON(resp, &files); err != nil {
			return err
		}
		printSessions(os.Stdout, files)
		return nil
	},
}

func printSessions(w io.Writer, files []transcript.FileInfo) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	// Newest first reads better in a terminal.
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		fmt.Fprintf(w, "%-32s  %9s  %s\n",
			colorize(colorCyan, f.Key),
			humanize.Bytes(uint64(f.Size)),
			humanize.Time(f.ModTime),
		)
	}
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show the reconstructed context of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sessions/%s/history?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var msgs []transcript.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(os.Stdout, m)
		}
		return nil
	},
}

func printMessage(w io.Writer, m transcript.Message) {
	label := colorize(colorBold, "["+m.Role+"]")
	switch {
	case len(m.ToolCalls) > 0:
		names := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			names = append(names, tc.Function.Name)
		}
		fmt.Fprintf(w, "%s calls %s\n", label, strings.Join(names, ", "))
		if m.Content != "" {
			fmt.Fprintln(w, m.Content)
		}
	case m.Role == transcript.RoleTool:
		fmt.Fprintf(w, "%s %s\n", label, truncate(m.Content, 200))
	default:
		fmt.Fprintf(w, "%s %s\n", label, m.Content)
	}
}

var sessionsCompactCmd = &cobra.Command{
	Use:   "compact <key>",
	Short: "Start a session over, flushing durable facts to memory first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noFlush, _ := cmd.Flags().GetBool("no-flush")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/compact", api.CompactRequest{Flush: !noFlush})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Compacted %s", args[0])
		return nil
	},
}

var sessionsTrimCmd = &cobra.Command{
	Use:   "trim <key>",
	Short: "Drop the oldest lines of a transcript file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxEntries, _ := cmd.Flags().GetInt("max-entries")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/trim", api.TrimRequest{MaxEntries: maxEntries})
		if err != nil {
			return err
		}
		var result struct {
			Dropped int `json:"dropped"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Dropped %d entries from %s", result.Dropped, args[0])
		return nil
	},
}

var sessionsMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run maintenance now: prune, archive, trim, disk cap and retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/maintenance", nil)
		if err != nil {
			return err
		}
		var rep maintenance.Report
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		printReport(rep)
		return nil
	},
}

func printReport(rep maintenance.Report) {
	printStatus("Pruned", "%d (%d archived)", len(rep.Pruned), len(rep.Archived))
	printStatus("Trimmed", "%d sessions, %d entries", len(rep.Trimmed), rep.TrimmedEntries)
	printStatus("Disk cap", "%d removed", len(rep.CapRemoved))
	printStatus("Daily logs", "%d removed", rep.LogsRemoved)
	printStatus("Audit rows", "%d removed", rep.AuditRemoved)
	if len(rep.Busy) > 0 {
		printWarning("skipped busy sessions: %s", strings.Join(rep.Busy, ", "))
	}
	for _, e := range rep.Errors {
		printError("%s", e)
	}
}

func init() {
	sessionsShowCmd.Flags().Int("limit", 50, "maximum number of messages")
	sessionsCompactCmd.Flags().Bool("no-flush", false, "compact without extracting memory first")
	sessionsTrimCmd.Flags().Int("max-entries", 1000, "number of newest lines to keep")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsCompactCmd, sessionsTrimCmd, sessionsMaintainCmd)
}

// --- providers and tools ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show external tool provider health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/providers")
		if err != nil {
			return err
		}
		var health []provider.Health
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}
		if len(health) == 0 {
			fmt.Println("No providers configured.")
			return nil
		}
		for _, h := range health {
			fmt.Printf("%-20s  %-8s  %3d tools  %s\n",
				colorize(colorBold, h.Name),
				colorize(stateColor(string(h.State)), string(h.State)),
				h.Tools,
				h.Description,
			)
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the reasoning service",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tools")
		if err != nil {
			return err
		}
		var descs []tools.Descriptor
		if err := decodeJSON(resp, &descs); err != nil {
			return err
		}
		if asJSON {
			return printJSON(descs)
		}
		for _, d := range descs {
			fmt.Printf("%s  %s\n", colorize(colorCyan, d.Name), truncate(d.Description, 100))
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().Bool("json", false, "print full descriptors as JSON")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show scheduler run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		job, _ := cmd.Flags().GetString("job")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/runs?limit=%d", limit)
		if job != "" {
			path += "&job=" + url.QueryEscape(job)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var runs []storage.JobRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func printRuns(w io.Writer, runs []storage.JobRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-20s  %-7s  %s",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.JobID,
			colorize(stateColor(r.Status), r.Status),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
		)
		if r.Error != "" {
			line += "  " + truncate(r.Error, 80)
		}
		fmt.Fprintln(w, line)
	}
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run storage.JobRun
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		return printJSON(run)
	},
}

var runsToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Show recent tool invocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		session, _ := cmd.Flags().GetString("session")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/tool-calls?limit=%d", limit)
		if session != "" {
			path += "&session=" + url.QueryEscape(session)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var invs []storage.ToolInvocation
		if err := decodeJSON(resp, &invs); err != nil {
			return err
		}
		for _, inv := range invs {
			status := "ok"
			if !inv.OK {
				status = "error"
			}
			fmt.Printf("%s  %-16s  %-24s  %-8s  %-5s  %s\n",
				inv.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				inv.Session,
				inv.Tool,
				inv.Source,
				colorize(stateColor(status), status),
				inv.Duration.Round(time.Millisecond),
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsCmd.Flags().String("job", "", "only show runs of this job")
	runsToolsCmd.Flags().Int("limit", 20, "maximum number of invocations")
	runsToolsCmd.Flags().String("session", "", "only show invocations from this session")
	runsCmd.AddCommand(runsShowCmd, runsToolsCmd)
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
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if len(cfg.Providers) > 0 {
			fmt.Println()
			for _, s := range providerSpecs(cfg) {
				state := "enabled"
				if !s.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %s = %s %s (%s)\n", colorize(colorBold, "providers."+s.Name), s.Command, strings.Join(s.Args, " "), state)
			}
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

		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models offered by the reasoning service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Reasoning.APIKey == "" {
			return errors.New("missing reasoning API key")
		}
		client := reasoning.NewClient(reasoning.Options{
			BaseURL: cfg.Reasoning.BaseURL,
			APIKey:  cfg.Reasoning.APIKey,
			Model:   cfg.Reasoning.Model,
			Timeout: 30 * time.Second,
		})
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			marker := " "
			if m.ID == cfg.Reasoning.Model {
				marker = colorize(colorGreen, "*")
			}
			fmt.Printf("%s %s\n", marker, m.ID)
		}
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the native tools over MCP on stdio",
	Long: `Serve memory and status tools to an MCP client over stdin/stdout.

With a reasoning API key configured, providers are started and the
send_message tool delivers messages to sessions. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log.Level)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		rt, err := newRuntime(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		deps := api.MCPDeps{
			Native:    rt.native,
			Workspace: rt.workspace,
			Status:    rt.composer,
			Version:   version,
		}
		if cfg.Validate() == nil {
			rt.startProviders(ctx)
			deps.Dispatcher = rt.dispatcher
		} else {
			logger.Info("reasoning not configured, send_message disabled")
		}

		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
