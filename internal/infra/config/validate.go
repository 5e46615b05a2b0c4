package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Providers lists the supported llm.provider values.
var Providers = []string{"anthropic", "openai", "gemini", "bedrock", "remote", "mock"}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateAgent(cfg, ve)
	validateMCPServers(cfg, ve)
	validateFirewall(cfg, ve)
	validateNotify(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateAuth checks the secrets needed to serve the HTTP trigger.
func ValidateAuth(cfg *Config) error {
	ve := &ValidationError{}
	if cfg.Auth.SlackSigningSecret == "" {
		ve.Add("auth.slack_signing_secret (SLACK_SIGNING_SECRET) is not set")
	}
	if cfg.Auth.BearerToken == "" {
		ve.Add("auth.bearer_token (DEV_BEARER_TOKEN) is not set")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLLM(cfg *Config, ve *ValidationError) {
	p := cfg.LLM.Provider
	if !slices.Contains(Providers, p) {
		ve.Add("llm.provider %q is not supported (supported: %s)", p, strings.Join(Providers, ", "))
		return
	}
	if p == "mock" {
		return
	}
	if cfg.LLM.Model == "" && p != "remote" {
		ve.Add("llm.model is required for provider %q", p)
	}
	if cfg.LLM.MaxTokens <= 0 {
		ve.Add("llm.max_tokens must be > 0")
	}
	switch p {
	case "anthropic", "openai", "gemini":
		if cfg.LLM.APIKey == "" {
			ve.Add("llm.api_key is required for provider %q", p)
		}
	case "remote":
		if cfg.LLM.BaseURL == "" {
			ve.Add("llm.base_url is required for provider \"remote\"")
		}
	}
	if cfg.LLM.BaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.LLM.BaseURL); err != nil {
			ve.Add("llm.base_url %q is not a valid URL", cfg.LLM.BaseURL)
		}
	}
	if cfg.LLM.CircuitBreaker.Timeout < 0 || cfg.LLM.CircuitBreaker.Interval < 0 {
		ve.Add("llm.circuit_breaker durations must be >= 0")
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.MaxToolRetries <= 0 {
		ve.Add("agent.max_tool_retries must be > 0")
	}
	if a.QueryTimeout <= 0 {
		ve.Add("agent.query_timeout must be > 0")
	}
	if len(a.Services) == 0 {
		ve.Add("agent.services must list at least one service")
	}
	if a.DefaultService != "" && !slices.Contains(a.Services, a.DefaultService) {
		ve.Add("agent.default_service %q is not in agent.services", a.DefaultService)
	}
	if a.Prompt.Name == "" {
		ve.Add("agent.prompt.name is required")
	}
	if a.Prompt.Server == "" {
		ve.Add("agent.prompt.server is required")
	} else if _, ok := cfg.MCPServerByName(a.Prompt.Server); !ok {
		ve.Add("agent.prompt.server %q does not name a configured mcp server", a.Prompt.Server)
	}
}

func validateMCPServers(cfg *Config, ve *ValidationError) {
	if len(cfg.MCPServers) == 0 {
		ve.Add("mcp_servers must contain at least one server")
		return
	}
	seen := make(map[string]bool, len(cfg.MCPServers))
	for i, s := range cfg.MCPServers {
		if s.Name == "" {
			ve.Add("mcp_servers[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("mcp_servers[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case "sse", "http":
			if s.URL == "" {
				ve.Add("mcp_servers[%d] (%s): url is required for %s transport", i, s.Name, s.Transport)
			}
		case "stdio":
			if s.Command == "" {
				ve.Add("mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		default:
			ve.Add("mcp_servers[%d] (%s): transport %q must be sse, http or stdio", i, s.Name, s.Transport)
		}
	}
}

func validateFirewall(cfg *Config, ve *ValidationError) {
	if !cfg.Firewall.Enabled {
		return
	}
	if cfg.Firewall.URL == "" {
		ve.Add("firewall.url is required when firewall is enabled")
	}
	if cfg.Firewall.Timeout < 0 {
		ve.Add("firewall.timeout must be >= 0")
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	switch cfg.Notify.OnFailure {
	case "", NotifyNone:
	case NotifySlack:
		if cfg.Notify.SlackBotToken == "" {
			ve.Add("notify.slack_bot_token is required when notify.on_failure is \"slack\"")
		}
		if cfg.Agent.ChannelID == "" {
			ve.Add("agent.channel_id is required when notify.on_failure is \"slack\"")
		}
	default:
		ve.Add("notify.on_failure %q must be \"none\" or \"slack\"", cfg.Notify.OnFailure)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	}
	if s.MaxConcurrentRuns < 0 {
		ve.Add("server.max_concurrent_runs must be >= 0")
	}
	if s.RateLimit.RequestsPerMinute < 0 || s.RateLimit.Burst < 0 {
		ve.Add("server.rate_limit values must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}
