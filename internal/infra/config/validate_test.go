package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateAgentMaxToolRetriesZero(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxToolRetries = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.max_tool_retries must be > 0")
}

func TestValidateAgentQueryTimeoutZero(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.QueryTimeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.query_timeout must be > 0")
}

func TestValidateDefaultServiceNotInServices(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.DefaultService = "nope"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `agent.default_service "nope" is not in agent.services`)
}

func TestValidatePromptServerMustExist(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Prompt.Server = "missing"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `agent.prompt.server "missing" does not name a configured mcp server`)
}

func TestValidateLLMProvider(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider = "groq"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `llm.provider "groq" is not supported`)
}

func TestValidateAnthropicRequiresKeyModelAndTokens(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.MaxTokens = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	assertContains(t, err.Error(), "llm.model is required")
	assertContains(t, err.Error(), "llm.max_tokens must be > 0")
	assertContains(t, err.Error(), "llm.api_key is required")
}

func TestValidateRemoteRequiresBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider = "remote"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `llm.base_url is required for provider "remote"`)
}

func TestValidateMCPServers(t *testing.T) {
	cfg := Defaults()
	cfg.MCPServers = append(cfg.MCPServers,
		MCPServer{Name: "slack", Transport: "sse", URL: "http://x"},
		MCPServer{Name: "local", Transport: "stdio"},
		MCPServer{Name: "odd", Transport: "grpc"},
	)
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `name "slack" is duplicated`)
	assertContains(t, err.Error(), "command is required for stdio transport")
	assertContains(t, err.Error(), `transport "grpc" must be sse, http or stdio`)
}

func TestValidateFirewallURL(t *testing.T) {
	cfg := Defaults()
	cfg.Firewall.Enabled = true
	cfg.Firewall.URL = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "firewall.url is required")
}

func TestValidateNotifyPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.OnFailure = "email"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `notify.on_failure "email" must be "none" or "slack"`)

	cfg.Notify.OnFailure = NotifySlack
	err = Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "notify.slack_bot_token is required")
	assertContains(t, err.Error(), "agent.channel_id is required")

	cfg.Notify.SlackBotToken = "xoxb-test"
	cfg.Agent.ChannelID = "C123"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateLoggerLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `logger.level "verbose" is invalid`)
}

func TestValidateAuth(t *testing.T) {
	cfg := Defaults()
	err := ValidateAuth(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "SLACK_SIGNING_SECRET")
	assertContains(t, err.Error(), "DEV_BEARER_TOKEN")

	cfg.Auth = AuthConfig{SlackSigningSecret: "s", BearerToken: "b"}
	if err := ValidateAuth(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
