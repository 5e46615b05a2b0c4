package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sre-agent/internal/adapter/firewall"
	"sre-agent/internal/adapter/tool"
	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 20 * time.Second

// backendProbe checks every configured MCP backend.
type backendProbe func(ctx context.Context, servers []config.MCPServer) []domain.BackendStatus

// runDoctor executes all health checks and reports results.
func runDoctor(cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	probe := func(ctx context.Context, servers []config.MCPServer) []domain.BackendStatus {
		return tool.ProbeBackends(ctx, servers, quiet)
	}
	_, err := runChecks(os.Stdout, cfg, doctorChecks(ctx, cfgPath, cfg, cfgErr, probe, quiet))
	return err
}

// doctorChecks assembles the static checks plus one per MCP backend.
func doctorChecks(ctx context.Context, cfgPath string, cfg *config.Config, cfgErr error, probe backendProbe, log *slog.Logger) []Check {
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM provider", Fn: checkLLMProvider},
		{Name: "Trigger auth", Fn: checkTriggerAuth},
		{Name: "Notifications", Fn: checkNotify},
		{Name: "Audit log", Fn: checkAuditPath},
		{Name: "Firewall", Fn: checkFirewall(ctx, log)},
	}
	if cfg == nil {
		return checks
	}
	for _, st := range probe(ctx, cfg.MCPServers) {
		checks = append(checks, Check{Name: "MCP " + st.Name, Fn: backendCheck(st)})
	}
	return checks
}

// runChecks prints each result and returns an error when any check failed.
func runChecks(w io.Writer, cfg *config.Config, checks []Check) ([]CheckResult, error) {
	fmt.Fprintln(w, "sre-agent doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return results, fmt.Errorf("%d check(s) failed", fail)
	}
	return results, nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile reports whether the config file exists and parses.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the SREAGENT_* environment variables",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkLLMProvider verifies the selected provider has what it needs to connect.
func checkLLMProvider(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	p := cfg.LLM.Provider
	switch p {
	case "", "mock":
		return CheckResult{
			Status:  StatusWarn,
			Message: "mock provider selected, runs return a canned response",
			Fix:     "Set llm.provider (SREAGENT_LLM_PROVIDER) to anthropic, openai, gemini, bedrock or remote",
		}
	case "anthropic", "openai", "gemini":
		if cfg.LLM.APIKey == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("no API key for %s", p),
				Fix:     fmt.Sprintf("Set %s_API_KEY or SREAGENT_LLM_API_KEY", strings.ToUpper(p)),
			}
		}
	case "remote":
		if cfg.LLM.BaseURL == "" {
			return CheckResult{Status: StatusFail, Message: "remote provider needs llm.base_url"}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (model %q)", p, cfg.LLM.Model)}
}

func checkTriggerAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if err := config.ValidateAuth(cfg); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: err.Error(),
			Fix:     "serve refuses to start without SLACK_SIGNING_SECRET and DEV_BEARER_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: "bearer token and Slack signing secret configured"}
}

func checkNotify(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Notify.OnFailure != config.NotifySlack {
		return CheckResult{Status: StatusPass, Message: "failure notifications disabled"}
	}
	if cfg.Notify.SlackBotToken == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "notify.on_failure is slack but no bot token is set",
			Fix:     "Set SLACK_BOT_TOKEN",
		}
	}
	if cfg.Agent.ChannelID == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "notify.on_failure is slack but agent.channel_id is empty",
			Fix:     "Set SREAGENT_AGENT_CHANNEL_ID",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("failures reported to %s", cfg.Agent.ChannelID)}
}

// checkAuditPath verifies the audit directory exists or can be created.
func checkAuditPath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit logging disabled"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("writing to %s", cfg.Audit.Path)}
}

func checkFirewall(ctx context.Context, log *slog.Logger) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded
		}
		if !cfg.Firewall.Enabled {
			return CheckResult{
				Status:  StatusWarn,
				Message: "safety filter disabled, prompts and tool traffic are not screened",
			}
		}
		if err := firewall.New(cfg.Firewall, log).Health(ctx); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s: %v", cfg.Firewall.URL, err),
				Fix:     "Runs fail closed while the firewall is unreachable",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s healthy", cfg.Firewall.URL)}
	}
}

func backendCheck(st domain.BackendStatus) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if !st.Healthy {
			return CheckResult{Status: StatusFail, Message: st.Error}
		}
		if st.Tools == 0 {
			return CheckResult{Status: StatusPass, Message: "reachable"}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("reachable, %d tools", st.Tools)}
	}
}
