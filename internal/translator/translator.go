// Package translator turns natural-language questions into candidate SQL by
// calling an external LLM provider. Everything it returns is untrusted and
// goes through the SQL validator before execution.
package translator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"datapilot/internal/config"
	"datapilot/internal/domain"
	"datapilot/internal/metrics"
)

// Provider names accepted by New.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderNone    = "none"
)

const schemaErrorPrefix = "SCHEMA_ERROR:"

const systemPrompt = `You are a SQL expert assistant that converts natural language questions into PostgreSQL queries.

RULES:
1. Generate exactly one PostgreSQL SELECT query. WITH and EXPLAIN are allowed when needed.
2. Never generate INSERT, UPDATE, DELETE, DROP, TRUNCATE, ALTER, CREATE, GRANT or REVOKE.
3. Use only the tables and columns listed in the schema.
4. Do not query pg_catalog or information_schema.
5. Add LIMIT 100 unless the question asks for a specific number of rows or a single aggregate.
6. Return only the SQL text. No markdown, no code fences, no explanations.
7. If the schema cannot answer the question, respond with "SCHEMA_ERROR: <short explanation>".`

// userPrompt renders the schema context and the question.
func userPrompt(question string, schema domain.SchemaContext) string {
	var b strings.Builder
	b.WriteString("DATABASE SCHEMA:\n\n")
	b.WriteString(schema.Describe())
	b.WriteString("\nUSER QUESTION:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nGenerate one PostgreSQL query that answers the question using only the schema above.\n")
	return b.String()
}

var fenceLanguages = map[string]bool{"": true, "sql": true, "postgresql": true, "postgres": true, "pgsql": true}

// ExtractSQL pulls the statement out of a raw model reply. It strips code
// fences and surrounding prose markers and turns SCHEMA_ERROR replies and
// empty output into TranslationFailed.
func ExtractSQL(reply string) (string, error) {
	text := strings.TrimSpace(reply)

	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			if fenceLanguages[strings.ToLower(strings.TrimSpace(body[:nl]))] {
				body = body[nl+1:]
			}
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		text = strings.TrimSpace(body)
	}

	if rest, ok := strings.CutPrefix(text, schemaErrorPrefix); ok {
		reason := strings.TrimSpace(rest)
		if reason == "" {
			reason = "the question cannot be answered from this connection's schema"
		}
		return "", domain.NewQueryError(domain.KindTranslationFailed, "%s", reason)
	}

	text = strings.TrimSpace(strings.TrimRight(text, "; \n\t"))
	if text == "" {
		return "", domain.NewQueryError(domain.KindTranslationFailed, "the translator returned no SQL")
	}
	return text, nil
}

// completer is the provider-specific part of a translator: one prompt in,
// one raw reply out.
type completer interface {
	name() string
	complete(ctx context.Context, system, user string) (string, error)
}

// Client is a domain.Translator backed by one provider.
type Client struct {
	provider completer
	timeout  time.Duration
	logger   *slog.Logger
}

var _ domain.Translator = (*Client)(nil)

func newClient(p completer, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{provider: p, timeout: timeout, logger: logger}
}

// Translate asks the provider for SQL. Provider errors, timeouts and unusable
// replies all come back as TranslationFailed.
func (c *Client) Translate(ctx context.Context, question string, schema domain.SchemaContext) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", domain.NewQueryError(domain.KindTranslationFailed, "question is empty")
	}
	if schema.Empty() {
		return "", domain.NewQueryError(domain.KindTranslationFailed, "no tables are visible through this connection")
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.provider.complete(tctx, systemPrompt, userPrompt(question, schema))
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordTranslation(c.provider.name(), "error", elapsed)
		if ctx.Err() != nil {
			return "", domain.WrapQueryError(domain.KindCancelled, ctx.Err(), "request was cancelled")
		}
		if tctx.Err() != nil {
			c.logger.Warn("translator timed out", "provider", c.provider.name(), "timeout", c.timeout)
			return "", domain.WrapQueryError(domain.KindTranslationFailed, err,
				fmt.Sprintf("translator did not answer within %s", c.timeout))
		}
		c.logger.Warn("translator call failed", "provider", c.provider.name(), "error", err)
		return "", domain.WrapQueryError(domain.KindTranslationFailed, err, "translator provider returned an error")
	}

	sql, err := ExtractSQL(reply)
	if err != nil {
		metrics.RecordTranslation(c.provider.name(), "unusable", elapsed)
		return "", err
	}
	metrics.RecordTranslation(c.provider.name(), "ok", elapsed)
	c.logger.Debug("translated question", "provider", c.provider.name(), "duration_ms", elapsed.Milliseconds())
	return sql, nil
}

// Disabled rejects every translation. It is used when no provider is
// configured; re-runs of stored SQL still work.
type Disabled struct{}

// Translate implements domain.Translator.
func (Disabled) Translate(context.Context, string, domain.SchemaContext) (string, error) {
	return "", domain.NewQueryError(domain.KindTranslationFailed, "natural-language translation is not configured")
}

// New builds the translator selected by cfg.Provider.
func New(ctx context.Context, cfg config.TranslatorConfig, logger *slog.Logger) (domain.Translator, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("translator %q requires OPENAI_API_KEY or OPENAI_BASE_URL", cfg.Provider)
		}
		return newClient(NewOpenAI(cfg), cfg.Timeout, logger), nil
	case ProviderBedrock:
		b, err := NewBedrock(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newClient(b, cfg.Timeout, logger), nil
	case ProviderNone, "":
		logger.Warn("no translator configured; only re-runs of stored SQL will succeed")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown translator provider %q", cfg.Provider)
	}
}
