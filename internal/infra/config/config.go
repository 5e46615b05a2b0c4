package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	LLM        LLMConfig      `yaml:"llm"`
	Agent      AgentConfig    `yaml:"agent"`
	MCPServers []MCPServer    `yaml:"mcp_servers"`
	Firewall   FirewallConfig `yaml:"firewall"`
	Auth       AuthConfig     `yaml:"auth"`
	Notify     NotifyConfig   `yaml:"notify"`
	Server     ServerConfig   `yaml:"server"`
	Logger     LoggerConfig   `yaml:"logger"`
	Tracer     TracerConfig   `yaml:"tracer"`
	Audit      AuditConfig    `yaml:"audit"`
}

// LLMConfig selects and configures the model gateway.
type LLMConfig struct {
	Provider       string               `yaml:"provider"` // anthropic, openai, gemini, bedrock, remote, mock
	Model          string               `yaml:"model"`
	MaxTokens      int                  `yaml:"max_tokens"`
	BaseURL        string               `yaml:"base_url,omitempty"`
	APIKey         string               `yaml:"api_key,omitempty"`
	Region         string               `yaml:"region,omitempty"` // bedrock only
	PromptCaching  bool                 `yaml:"prompt_caching"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout,omitempty"`
	RespTimeout    time.Duration        `yaml:"resp_timeout,omitempty"`
	Pool           PoolConfig           `yaml:"pool,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig configures HTTP connection pooling for gateway clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the gateway circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentConfig holds orchestration settings.
type AgentConfig struct {
	MaxToolRetries int           `yaml:"max_tool_retries"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	// Tools is the allow-list of tool names offered to the model. Empty allows all.
	Tools []string `yaml:"tools"`
	// TerminalTools end the run after a successful call.
	TerminalTools  []string     `yaml:"terminal_tools"`
	Services       []string     `yaml:"services"`
	DefaultService string       `yaml:"default_service"`
	ChannelID      string       `yaml:"channel_id"`
	Prompt         PromptConfig `yaml:"prompt"`
	ValidateArgs   bool         `yaml:"validate_args"`
}

// PromptConfig names the backend and prompt used to seed each run.
type PromptConfig struct {
	Server string `yaml:"server"`
	Name   string `yaml:"name"`
}

// MCPServer holds settings for a single MCP backend.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "sse", "http" or "stdio"
	URL       string            `yaml:"url,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	// PromptOnly backends are connected for prompts and excluded from tool dispatch.
	PromptOnly bool `yaml:"prompt_only,omitempty"`
}

// FirewallConfig holds safety filter settings.
type FirewallConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig holds trigger authentication secrets.
type AuthConfig struct {
	SlackSigningSecret string `yaml:"slack_signing_secret"`
	BearerToken        string `yaml:"bearer_token"`
}

// NotifyConfig controls out-of-band failure notifications.
type NotifyConfig struct {
	// OnFailure is "none" or "slack".
	OnFailure     string `yaml:"on_failure"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAPIURL   string `yaml:"slack_api_url,omitempty"`
}

// ServerConfig holds HTTP trigger settings.
type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadTimeout       time.Duration   `yaml:"read_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	MaxConcurrentRuns int             `yaml:"max_concurrent_runs"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-IP request rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout", or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// MaxAge drops entries older than this at startup. Zero keeps everything.
	MaxAge time.Duration `yaml:"max_age"`
}

// Notification policies.
const (
	NotifyNone  = "none"
	NotifySlack = "slack"
)

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	servers := make([]MCPServer, 0, 4)
	for _, name := range []string{"slack", "github", "kubernetes"} {
		servers = append(servers, MCPServer{
			Name:      name,
			Transport: "sse",
			URL:       fmt.Sprintf("http://%s:3001/sse", name),
		})
	}
	servers = append(servers, MCPServer{
		Name:       "prompt",
		Transport:  "sse",
		URL:        "http://prompt-server:3001/sse",
		PromptOnly: true,
	})

	return &Config{
		LLM: LLMConfig{
			Provider:      "mock",
			MaxTokens:     10000,
			PromptCaching: true,
		},
		Agent: AgentConfig{
			MaxToolRetries: 3,
			QueryTimeout:   300 * time.Second,
			Tools: []string{
				"list_pods",
				"get_logs",
				"get_file_contents",
				"slack_post_message",
				"create_issue",
			},
			TerminalTools:  []string{"slack_post_message"},
			Services:       []string{"cartservice", "adservice", "emailservice"},
			DefaultService: "cartservice",
			Prompt: PromptConfig{
				Server: "prompt",
				Name:   "diagnose",
			},
		},
		MCPServers: servers,
		Firewall: FirewallConfig{
			Enabled: false,
			URL:     "http://llama-firewall:8000",
			Timeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			OnFailure: NotifyNone,
		},
		Server: ServerConfig{
			Addr:              ":8003",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxConcurrentRuns: 4,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "./data/audit.jsonl",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SREAGENT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SREAGENT_* env vars (and the well-known provider
// and Slack variables) to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SREAGENT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("SREAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SREAGENT_LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("SREAGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SREAGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKeyFromEnv(cfg.LLM.Provider)
	}
	if v := os.Getenv("SREAGENT_LLM_REGION"); v != "" {
		cfg.LLM.Region = v
	}

	if v := os.Getenv("SREAGENT_AGENT_MAX_TOOL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxToolRetries = n
		}
	}
	if v := os.Getenv("SREAGENT_AGENT_QUERY_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			cfg.Agent.QueryTimeout = d
		}
	}
	if v := os.Getenv("SREAGENT_AGENT_TOOLS"); v != "" {
		cfg.Agent.Tools = splitList(v)
	}
	if v := os.Getenv("SREAGENT_AGENT_SERVICES"); v != "" {
		cfg.Agent.Services = splitList(v)
	}
	if v := os.Getenv("SREAGENT_AGENT_CHANNEL_ID"); v != "" {
		cfg.Agent.ChannelID = v
	}

	if v := os.Getenv("SREAGENT_FIREWALL_ENABLED"); v != "" {
		cfg.Firewall.Enabled = v == "true"
	}
	if v := os.Getenv("SREAGENT_FIREWALL_URL"); v != "" {
		cfg.Firewall.URL = v
	}

	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		cfg.Auth.SlackSigningSecret = v
	}
	if v := os.Getenv("DEV_BEARER_TOKEN"); v != "" {
		cfg.Auth.BearerToken = v
	}

	if v := os.Getenv("SREAGENT_NOTIFY_ON_FAILURE"); v != "" {
		cfg.Notify.OnFailure = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Notify.SlackBotToken = v
	}

	if v := os.Getenv("SREAGENT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SREAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SREAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SREAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SREAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SREAGENT_AUDIT_PATH"); v != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Path = v
	}
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// parseSecondsOrDuration accepts "300" (seconds) or a Go duration string.
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// MCPServerByName returns the backend with the given name.
func (c *Config) MCPServerByName(name string) (MCPServer, bool) {
	for _, s := range c.MCPServers {
		if s.Name == name {
			return s, true
		}
	}
	return MCPServer{}, false
}
