// ABOUTME: Client-side subcommands that talk to a running relay over HTTP, plus config init.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// baseURL returns the relay's HTTP base, preferring an explicit override.
// Wildcard listen addresses are dialed on loopback.
func baseURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (o *rootOptions) relayURL() (string, error) {
	if o.url != "" {
		return baseURL(nil, o.url), nil
	}
	cfg, _, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return baseURL(cfg, ""), nil
}

func httpGet(ctx context.Context, url string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check relay liveness and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.relayURL()
			if err != nil {
				return err
			}

			status, _, err := httpGet(cmd.Context(), base+"/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}

			status, body, err := httpGet(cmd.Context(), base+"/health/ready")
			if err != nil {
				return fmt.Errorf("readiness check failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if status != http.StatusOK {
				fmt.Fprintf(out, "healthy, not ready: %s\n", body)
				return nil
			}
			fmt.Fprintf(out, "healthy, %s\n", body)
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show registry, rate limit, heartbeat and session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.relayURL()
			if err != nil {
				return err
			}
			status, body, err := httpGet(cmd.Context(), base+"/api/stats")
			if err != nil {
				return fmt.Errorf("fetching stats: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("fetching stats: status %d", status)
			}

			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var stats gateway.StatsResponse
			if err := json.Unmarshal(body, &stats); err != nil {
				return fmt.Errorf("decoding stats: %w", err)
			}
			writeStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func writeStats(w io.Writer, s gateway.StatsResponse) {
	label := color.New(color.FgGreen).SprintFunc()
	r := s.Registry

	fmt.Fprintf(w, "%s %s (up %s)\n", label("server:"), s.ServerID, r.Uptime.Truncate(time.Second))
	fmt.Fprintf(w, "%s %d/%d active, %d total, %d disconnects\n",
		label("clients:"), r.ActiveConnections, r.MaxConnections, r.TotalConnections, r.TotalDisconnects)
	fmt.Fprintf(w, "%s %d sent, %d queued, %d dropped, %d send errors\n",
		label("messages:"), r.MessagesSent, r.MessagesQueued, r.MessagesDropped, r.SendErrors)
	fmt.Fprintf(w, "%s %d messages for %d offline clients\n", label("queues:"), r.QueuedMessages, r.QueuedClients)

	groups := make([]string, 0, len(r.Groups))
	for g := range r.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Fprintf(w, "  group %-16s %d\n", g, r.Groups[g])
	}

	fmt.Fprintf(w, "%s %d tracked identifiers, %d blocked\n",
		label("rate limit:"), s.RateLimit.MessageIdentifiers+s.RateLimit.UploadIdentifiers, s.RateLimit.Blocked)
	fmt.Fprintf(w, "%s %d tracked, every %s\n", label("heartbeat:"), s.Heartbeat.Tracked, s.Heartbeat.Interval)
	fmt.Fprintf(w, "%s %d\n", label("sessions:"), len(s.Sessions))
	for _, sess := range s.Sessions {
		fmt.Fprintf(w, "  %-20s %-10s %d/%d answered\n", sess.SessionID, sess.Status, sess.Answered, sess.Total)
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts.configPath)
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultPath string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultPath)
	if strings.EqualFold(filepath.Ext(outputFile), ".toml") {
		return fmt.Errorf("init writes YAML; choose a .yaml path instead of %s", outputFile)
	}
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server ---")
	httpAddr := prompt(reader, out, "HTTP address", "0.0.0.0:8080")
	maxConns := prompt(reader, out, "Max connections", "1000")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	tailscaleEnabled := yes(prompt(reader, out, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "coven-relay")
		tsFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Interactive questions ---")
	questionTimeout := prompt(reader, out, "Question timeout (minutes)", "5")
	allowPartial := yes(prompt(reader, out, "Accept partial answers on timeout?", "yes"))

	fmt.Fprintln(out, "\n--- Logging ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	fmt.Fprintf(&cfg, "server:\n  http_addr: %q\n\n", httpAddr)

	fmt.Fprintf(&cfg, "tailscale:\n  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n  auth_key: \"${TS_AUTHKEY}\"\n  funnel: %t\n", tsHostname, tsFunnel)
	}
	cfg.WriteString("\n")

	fmt.Fprintf(&cfg, "registry:\n  max_connections: %s\n  max_queued_messages: 100\n  queue_ttl: \"10m\"\n  send_timeout: \"5s\"\n\n", maxConns)
	cfg.WriteString("heartbeat:\n  interval: \"30s\"\n  timeout: \"90s\"\n\n")
	cfg.WriteString("rate_limit:\n  window: \"60s\"\n  max_messages: 120\n\n")
	cfg.WriteString("uploads:\n  per_minute: 10\n  per_hour: 100\n  max_file_size: 10485760\n  max_hourly_bytes: 104857600\n  cooldown: \"5m\"\n\n")
	fmt.Fprintf(&cfg, "interactive:\n  question_timeout_minutes: %s\n  allow_partial_answers: %t\n\n", questionTimeout, allowPartial)
	cfg.WriteString("envelope:\n  render_markdown: false\n\n")
	fmt.Fprintf(&cfg, "logging:\n  level: %q\n  format: %q\n", logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Catch typos before the user tries to serve.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-relay serve --config "+outputFile)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultVal
	}
	return line
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
