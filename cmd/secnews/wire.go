package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	sc "github.com/linnemanlabs/secnews/internal/cfg"
	"github.com/linnemanlabs/secnews/internal/feed"
	"github.com/linnemanlabs/secnews/internal/llm/claude"
	"github.com/linnemanlabs/secnews/internal/llm/openai"
	"github.com/linnemanlabs/secnews/internal/notify"
	"github.com/linnemanlabs/secnews/internal/notify/slack"
	"github.com/linnemanlabs/secnews/internal/notify/telegram"
	"github.com/linnemanlabs/secnews/internal/postgres"
	"github.com/linnemanlabs/secnews/internal/triage"
	"github.com/linnemanlabs/secnews/internal/triage/filestore"
	"github.com/linnemanlabs/secnews/internal/triage/memstore"
	"github.com/linnemanlabs/secnews/internal/triage/pgstore"
)

// loadFeeds merges the YAML feed file and the comma-separated list, keeping
// the first occurrence of each URL.
func loadFeeds(c *sc.Config) ([]feed.Feed, error) {
	var all []feed.Feed
	if c.FeedsFile != "" {
		fs, err := feed.LoadFeeds(c.FeedsFile)
		if err != nil {
			return nil, err
		}
		all = append(all, fs...)
	}
	if c.Feeds != "" {
		fs, err := feed.ParseFeedURLs(c.Feeds)
		if err != nil {
			return nil, err
		}
		all = append(all, fs...)
	}

	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, f := range all {
		if seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("no feeds configured")
	}
	return out, nil
}

func buildProvider(c *sc.Config) (triage.Provider, string, error) {
	switch c.Provider {
	case sc.ProviderAnthropic:
		return claude.New(c.AnthropicAPIKey, c.AnthropicModel, c.Temperature), c.AnthropicModel, nil
	case sc.ProviderOpenAI:
		return openai.New(c.OpenAIAPIKey, c.OpenAIModel, c.OpenAIEndpoint, c.Temperature), c.OpenAIModel, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", c.Provider)
	}
}

// buildDispatcher returns the log-only dispatcher for dry runs and a fanout
// over every configured channel otherwise.
func buildDispatcher(c *sc.Config, L log.Logger) (triage.Dispatcher, []string, error) {
	if c.DryRun {
		return notify.NewLog(L), []string{"log"}, nil
	}

	var targets []notify.Named
	if c.SlackWebhookURL != "" || c.SlackBotToken != "" {
		n, err := slack.New(slack.Config{
			WebhookURL: c.SlackWebhookURL,
			BotToken:   c.SlackBotToken,
			Channel:    c.SlackChannel,
		})
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, notify.Named{Name: "slack", Dispatcher: n})
	}
	if c.TelegramBotToken != "" {
		n, err := telegram.New(c.TelegramBotToken, c.TelegramChatID, "")
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, notify.Named{Name: "telegram", Dispatcher: n})
	}
	if len(targets) == 0 {
		return nil, nil, errors.New("no dispatcher configured")
	}

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return notify.NewFanout(L, targets...), names, nil
}

// buildStore opens the configured store. The returned close func is never
// nil.
func buildStore(ctx context.Context, kind, statePath, dsn string, L log.Logger) (triage.Store, func(), error) {
	switch kind {
	case sc.StoreFile:
		s, err := filestore.New(statePath, L)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() {}, nil
	case sc.StoreMemory:
		return memstore.New(), func() {}, nil
	case sc.StorePostgres:
		pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{SlowQuery: 250 * time.Millisecond})
		if err != nil {
			return nil, func() {}, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool, L)
		if err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("pgstore init: %w", err)
		}
		return s, closePool(pool), nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store %q", kind)
	}
}

func closePool(pool *pgxpool.Pool) func() {
	return func() { pool.Close() }
}

func serviceOptions(c *sc.Config, hooks triage.ServiceHooks) triage.Options {
	return triage.Options{
		Workers:         c.Workers,
		JudgeTimeout:    time.Duration(c.JudgeTimeoutSeconds) * time.Second,
		DispatchTimeout: time.Duration(c.DispatchTimeoutSeconds) * time.Second,
		JudgeAttempts:   c.JudgeAttempts,
		Retention:       time.Duration(c.RetentionDays) * 24 * time.Hour,
		MaxRecords:      c.MaxRecords,
		Checkpoint:      c.Checkpoint,
		DedupTitles:     c.DedupTitles,
		SimilarTitles:   c.SimilarTitles,
		DryRun:          c.DryRun,
		Hooks:           hooks,
	}
}
