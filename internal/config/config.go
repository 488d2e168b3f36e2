package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/call-capture/internal/agent"
	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
)

var ErrAgentNotConfigured = errors.New("config: AGENT_ID is not set")

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	LogLevel     string
	AuthPassword string

	AgentID        string
	ElevenLabsKey  string
	ConvaiURL      string
	VoiceTransport string

	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int

	AutoTriggerEnabled bool
	AutoTriggerDelay   time.Duration
	AutoTriggerPrompt  string
	CaptureTimeout     time.Duration
	AgentToolTimeout   time.Duration
	CaptureToolName    string
	AllowAgentCancel   bool

	WebhookURL     string
	WebhookOrigins []capture.Origin
	WebhookTimeout time.Duration

	// Warnings are collected while loading and logged once a logger exists.
	Warnings []string
}

// Load reads .env and the environment and returns Config with sane defaults.
func Load() Config {
	var warnings []string
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, "no .env file loaded: "+err.Error())
	}

	cfg := Config{
		HTTPAddress:  getEnv("HTTP_ADDRESS", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		AuthPassword: os.Getenv("AUTH_PASSWORD"),

		AgentID:        strings.TrimSpace(os.Getenv("AGENT_ID")),
		ElevenLabsKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ConvaiURL:      getEnv("CONVAI_URL", convai.DefaultURL),
		VoiceTransport: getEnv("VOICE_TRANSPORT", convai.TransportWebSocket),

		ConnectTimeout: getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second, &warnings),
		RetryBackoff:   getEnvAsDuration("RETRY_BACKOFF", 1500*time.Millisecond, &warnings),
		MaxRetries:     getEnvAsInt("MAX_RETRIES", agent.DefaultMaxRetries, &warnings),

		AutoTriggerEnabled: getEnvAsBool("AUTO_TRIGGER_ENABLED", true, &warnings),
		AutoTriggerDelay:   getEnvAsDuration("AUTO_TRIGGER_DELAY", 3*time.Second, &warnings),
		AutoTriggerPrompt:  getEnv("AUTO_TRIGGER_PROMPT", agent.DefaultAutoPrompt),
		CaptureTimeout:     getEnvAsDuration("CAPTURE_TIMEOUT", capture.DefaultTimeout, &warnings),
		AgentToolTimeout:   getEnvAsDuration("AGENT_TOOL_TIMEOUT", 15*time.Second, &warnings),
		CaptureToolName:    getEnv("CAPTURE_TOOL_NAME", agent.DefaultToolName),
		AllowAgentCancel:   getEnvAsBool("ALLOW_AGENT_CANCEL", true, &warnings),

		WebhookURL:     strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		WebhookTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second, &warnings),
	}
	cfg.WebhookOrigins = parseOrigins(getEnv("WEBHOOK_ORIGINS", string(capture.OriginAutoTrigger)), &warnings)

	if cfg.AgentID == "" {
		warnings = append(warnings, "AGENT_ID not set - calls cannot start")
	}
	if cfg.ElevenLabsKey == "" {
		warnings = append(warnings, "ELEVENLABS_API_KEY not set - only public agents will connect")
	}
	if cfg.WebhookURL == "" {
		warnings = append(warnings, "WEBHOOK_URL not set - captured emails will not be delivered")
	}
	if cfg.MaxRetries < 0 {
		warnings = append(warnings, fmt.Sprintf("MAX_RETRIES=%d is negative, using 0", cfg.MaxRetries))
		cfg.MaxRetries = 0
	}
	cfg.Warnings = warnings
	return cfg
}

// Validate reports configuration that makes every call fail.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return ErrAgentNotConfigured
	}
	return nil
}

// Agent maps the loaded values onto the call controller settings.
func (c Config) Agent() agent.Config {
	cfg := agent.DefaultConfig(c.AgentID)
	cfg.Transport = c.VoiceTransport
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.RetryBackoff = c.RetryBackoff
	cfg.MaxRetries = c.MaxRetries
	cfg.AutoTriggerEnabled = c.AutoTriggerEnabled
	cfg.AutoTriggerDelay = c.AutoTriggerDelay
	cfg.AutoTriggerPrompt = c.AutoTriggerPrompt
	cfg.CaptureTimeout = c.CaptureTimeout
	cfg.ToolName = c.CaptureToolName
	cfg.ToolTimeout = c.AgentToolTimeout
	return cfg
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int, warnings *[]string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("%s=%q is not an integer, using %d", key, raw, def))
		return def
	}
	return n
}

func getEnvAsBool(key string, def bool, warnings *[]string) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("%s=%q is not a boolean, using %t", key, raw, def))
		return def
	}
	return b
}

// getEnvAsDuration accepts Go durations ("1500ms") or bare milliseconds ("1500").
func getEnvAsDuration(key string, def time.Duration, warnings *[]string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("%s=%q is not a positive duration, using %s", key, raw, def))
		return def
	}
	return d
}

func parseOrigins(raw string, warnings *[]string) []capture.Origin {
	var out []capture.Origin
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		o, ok := capture.ParseOrigin(tok)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("WEBHOOK_ORIGINS: unknown origin %q ignored", tok))
			continue
		}
		out = append(out, o)
	}
	return out
}
