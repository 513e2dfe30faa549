// Package cfg holds the flag-bound configuration for the secnews binaries.
// Every flag can also be set from the environment through go-core's
// cfg.FillFromEnv (e.g. -feeds-file <- SECNEWS_FEEDS_FILE).
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Provider names accepted by -provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Store kinds accepted by -store.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the configuration of the one-shot pipeline binary.
type Config struct {
	FeedsFile  string
	Feeds      string
	MaxEntries int

	CriteriaFile string

	Provider        string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIEndpoint  string
	Temperature     float64

	Store       string
	StatePath   string
	DatabaseURL string

	SlackWebhookURL  string
	SlackBotToken    string
	SlackChannel     string
	TelegramBotToken string
	TelegramChatID   string

	Workers                int
	JudgeTimeoutSeconds    int
	DispatchTimeoutSeconds int
	JudgeAttempts          int
	RunTimeoutSeconds      int
	RetentionDays          int
	MaxRecords             int
	Checkpoint             bool
	DedupTitles            bool
	SimilarTitles          bool
	DryRun                 bool

	MetricsTextfile string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.FeedsFile, "feeds-file", "", "YAML file listing the feeds to read")
	fs.StringVar(&c.Feeds, "feeds", "", "comma-separated feed URLs (added to -feeds-file)")
	fs.IntVar(&c.MaxEntries, "max-entries", 20, "newest entries considered per run across all feeds (1..1000)")

	fs.StringVar(&c.CriteriaFile, "criteria-file", "", "triage criteria text file (empty = built-in criteria)")

	fs.StringVar(&c.Provider, "provider", ProviderAnthropic, "judgment provider: anthropic or openai")
	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "API key for the Anthropic provider")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "claude-sonnet-4-5", "Anthropic model")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI model")
	fs.StringVar(&c.OpenAIEndpoint, "openai-endpoint", "https://api.openai.com/v1/chat/completions", "OpenAI compatible chat completions URL")
	fs.Float64Var(&c.Temperature, "temperature", 0.3, "sampling temperature (0..1)")

	fs.StringVar(&c.Store, "store", StoreFile, "state store: file, memory or postgres")
	fs.StringVar(&c.StatePath, "state-path", "state/processed.json", "state document path for -store=file")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for -store=postgres")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL")
	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token (chat.postMessage)")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel for -slack-bot-token")
	fs.StringVar(&c.TelegramBotToken, "telegram-bot-token", "", "Telegram bot token")
	fs.StringVar(&c.TelegramChatID, "telegram-chat-id", "", "Telegram chat id")

	fs.IntVar(&c.Workers, "workers", 1, "entries judged concurrently (1..32)")
	fs.IntVar(&c.JudgeTimeoutSeconds, "judge-timeout-seconds", 60, "timeout per judgment attempt (1..600)")
	fs.IntVar(&c.DispatchTimeoutSeconds, "dispatch-timeout-seconds", 30, "timeout per dispatch (1..300)")
	fs.IntVar(&c.JudgeAttempts, "judge-attempts", 3, "judgment attempts per entry for transient failures (1..10)")
	fs.IntVar(&c.RunTimeoutSeconds, "run-timeout-seconds", 900, "deadline for the whole run (1..86400)")
	fs.IntVar(&c.RetentionDays, "retention-days", 30, "days processed records are kept (0 = forever)")
	fs.IntVar(&c.MaxRecords, "max-records", 5000, "cap on retained records, oldest dropped first (0 = no cap)")
	fs.BoolVar(&c.Checkpoint, "checkpoint", false, "save state after every processed entry")
	fs.BoolVar(&c.DedupTitles, "dedup-titles", true, "skip entries whose normalized title was already seen")
	fs.BoolVar(&c.SimilarTitles, "similar-titles", false, "also skip entries whose title is keyword-similar to a seen title")
	fs.BoolVar(&c.DryRun, "dry-run", false, "judge and log but neither dispatch nor save state")

	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this node-exporter textfile (empty = off)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.FeedsFile) == "" && strings.TrimSpace(c.Feeds) == "" {
		errs = append(errs, errors.New("FEEDS_FILE or FEEDS is required"))
	}
	if c.MaxEntries <= 0 || c.MaxEntries > 1000 {
		errs = append(errs, fmt.Errorf("invalid MAX_ENTRIES %d (must be 1..1000)", c.MaxEntries))
	}

	switch c.Provider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid PROVIDER %q (must be anthropic or openai)", c.Provider))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		errs = append(errs, fmt.Errorf("invalid TEMPERATURE %v (must be 0..1)", c.Temperature))
	}

	errs = append(errs, validateStore(c.Store, c.StatePath, c.DatabaseURL)...)

	if c.SlackBotToken != "" && c.SlackChannel == "" {
		errs = append(errs, errors.New("SLACK_CHANNEL is required with SLACK_BOT_TOKEN"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if !c.DryRun && !c.HasDispatcher() {
		errs = append(errs, errors.New("no dispatcher configured (set SLACK_WEBHOOK_URL, SLACK_BOT_TOKEN or TELEGRAM_BOT_TOKEN, or use DRY_RUN)"))
	}

	if c.Workers <= 0 || c.Workers > 32 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..32)", c.Workers))
	}
	if c.JudgeTimeoutSeconds <= 0 || c.JudgeTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid JUDGE_TIMEOUT_SECONDS %d (must be 1..600)", c.JudgeTimeoutSeconds))
	}
	if c.DispatchTimeoutSeconds <= 0 || c.DispatchTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEOUT_SECONDS %d (must be 1..300)", c.DispatchTimeoutSeconds))
	}
	if c.JudgeAttempts <= 0 || c.JudgeAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid JUDGE_ATTEMPTS %d (must be 1..10)", c.JudgeAttempts))
	}
	if c.RunTimeoutSeconds <= 0 || c.RunTimeoutSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT_SECONDS %d (must be 1..86400)", c.RunTimeoutSeconds))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_DAYS %d (must be >= 0)", c.RetentionDays))
	}
	if c.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_RECORDS %d (must be >= 0)", c.MaxRecords))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasDispatcher reports whether at least one delivery channel is set.
func (c *Config) HasDispatcher() bool {
	return c.SlackWebhookURL != "" || c.SlackBotToken != "" || c.TelegramBotToken != ""
}

func validateStore(kind, path, dsn string) []error {
	switch kind {
	case StoreFile:
		if strings.TrimSpace(path) == "" {
			return []error{errors.New("STATE_PATH is required for STORE=file")}
		}
	case StoreMemory:
	case StorePostgres:
		if dsn == "" {
			return []error{errors.New("DATABASE_URL is required for STORE=postgres")}
		}
	default:
		return []error{fmt.Errorf("invalid STORE %q (must be file, memory or postgres)", kind)}
	}
	return nil
}

// ServerConfig is the configuration of the review API server.
type ServerConfig struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	Store                 string
	StatePath             string
	DatabaseURL           string
}

// RegisterFlags binds ServerConfig fields to the given FlagSet with defaults inline
func (c *ServerConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 requests")
	fs.StringVar(&c.Store, "store", StoreFile, "state store: file or postgres")
	fs.StringVar(&c.StatePath, "state-path", "state/processed.json", "state document path for -store=file")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for -store=postgres")
}

// Validate checks all configuration fields for correctness.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	// An in-memory store would always be empty in a separate process.
	if c.Store == StoreMemory {
		errs = append(errs, errors.New("STORE=memory is not usable by the review server"))
	} else {
		errs = append(errs, validateStore(c.Store, c.StatePath, c.DatabaseURL)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
