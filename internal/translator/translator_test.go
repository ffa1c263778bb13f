package translator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/config"
	"datapilot/internal/domain"
)

var ordersSchema = domain.SchemaContext{Tables: []domain.TableSchema{{
	Name: "orders",
	Columns: []domain.ColumnSchema{
		{Name: "id", Type: "integer"},
		{Name: "total", Type: "numeric"},
	},
}}}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtractSQL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr string
	}{
		{name: "plain", reply: "SELECT 1", want: "SELECT 1"},
		{name: "trailing semicolon", reply: "SELECT 1;\n", want: "SELECT 1"},
		{name: "sql fence", reply: "```sql\nSELECT id FROM orders\n```", want: "SELECT id FROM orders"},
		{name: "bare fence", reply: "```\nSELECT 2\n```", want: "SELECT 2"},
		{name: "fence with prose", reply: "Here you go:\n```sql\nSELECT 3\n```\nEnjoy", want: "SELECT 3"},
		{name: "fence starting with keyword", reply: "```SELECT\n4```", want: "SELECT\n4"},
		{name: "schema error", reply: "SCHEMA_ERROR: there is no customers table", wantErr: "there is no customers table"},
		{name: "empty", reply: "  \n", wantErr: "no SQL"},
		{name: "empty fence", reply: "```sql\n```", wantErr: "no SQL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractSQL(tt.reply)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserPrompt_IncludesSchemaAndQuestion(t *testing.T) {
	t.Parallel()
	p := userPrompt("  total revenue?  ", ordersSchema)
	assert.Contains(t, p, "Table: orders")
	assert.Contains(t, p, "total (numeric)")
	assert.Contains(t, p, "USER QUESTION:\ntotal revenue?\n")
}

// === OpenAI ===

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) config.TranslatorConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return config.TranslatorConfig{
		Provider:      ProviderOpenAI,
		Timeout:       2 * time.Second,
		MaxTokens:     256,
		OpenAIBaseURL: srv.URL + "/v1",
		OpenAIAPIKey:  "test-key",
		OpenAIModel:   "gpt-4o-mini",
	}
}

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestOpenAI_Translate(t *testing.T) {
	t.Parallel()
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	cfg := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply("```sql\nSELECT sum(total) FROM orders\n```"))
	})

	tr, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	sql, err := tr.Translate(context.Background(), "total revenue?", ordersSchema)
	require.NoError(t, err)
	assert.Equal(t, "SELECT sum(total) FROM orders", sql)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "SCHEMA_ERROR")
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Content, "Table: orders")
}

func TestOpenAI_ProviderError(t *testing.T) {
	t.Parallel()
	cfg := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
	})
	tr, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	_, err = tr.Translate(context.Background(), "total revenue?", ordersSchema)
	require.Error(t, err)
	var qe *domain.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, domain.KindTranslationFailed, qe.Kind)
	assert.NotContains(t, qe.Message, "upstream exploded")
}

func TestOpenAI_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	cfg := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	cfg.Timeout = 50 * time.Millisecond

	tr, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	_, err = tr.Translate(context.Background(), "total revenue?", ordersSchema)
	require.Error(t, err)
	assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))
	assert.Contains(t, err.Error(), "did not answer within")
}

func TestOpenAI_SchemaError(t *testing.T) {
	t.Parallel()
	cfg := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply("SCHEMA_ERROR: no customers table"))
	})
	tr, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	_, err = tr.Translate(context.Background(), "list customers", ordersSchema)
	assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))
	assert.Contains(t, err.Error(), "no customers table")
}

// === Bedrock ===

type fakeInvoker struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func newBedrockClient(inv *fakeInvoker) *Client {
	b := &Bedrock{invoker: inv, modelID: "anthropic.test", maxTokens: 512, temperature: 0.1}
	return newClient(b, time.Second, discardLogger())
}

func TestBedrock_Translate(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{body: `{"content":[{"type":"text","text":"SELECT count(*) FROM orders;"}]}`}

	sql, err := newBedrockClient(inv).Translate(context.Background(), "how many orders?", ordersSchema)
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) FROM orders", sql)

	require.NotNil(t, inv.input)
	assert.Equal(t, "anthropic.test", *inv.input.ModelId)
	var req bedrockRequest
	require.NoError(t, json.Unmarshal(inv.input.Body, &req))
	assert.Equal(t, bedrockAnthropicVersion, req.AnthropicVersion)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, systemPrompt, req.System)
	require.Len(t, req.Messages, 1)
	assert.True(t, strings.HasPrefix(req.Messages[0].Content, "DATABASE SCHEMA:"))
}

func TestBedrock_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		inv  *fakeInvoker
	}{
		{"invoke error", &fakeInvoker{err: errors.New("ThrottlingException")}},
		{"malformed body", &fakeInvoker{body: "not json"}},
		{"empty content", &fakeInvoker{body: `{"content":[]}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newBedrockClient(tt.inv).Translate(context.Background(), "q", ordersSchema)
			assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))
		})
	}
}

// === Client guards ===

func TestClient_RejectsEmptyInputs(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{body: `{"content":[{"text":"SELECT 1"}]}`}
	c := newBedrockClient(inv)

	_, err := c.Translate(context.Background(), "   ", ordersSchema)
	assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))

	_, err = c.Translate(context.Background(), "anything", domain.SchemaContext{})
	assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))
	assert.Nil(t, inv.input, "provider is not called without a schema")
}

func TestClient_CallerCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := &fakeInvoker{err: context.Canceled}

	_, err := newBedrockClient(inv).Translate(ctx, "q", ordersSchema)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}

func TestNew(t *testing.T) {
	t.Parallel()

	tr, err := New(context.Background(), config.TranslatorConfig{Provider: "none"}, discardLogger())
	require.NoError(t, err)
	_, err = tr.Translate(context.Background(), "q", ordersSchema)
	assert.Equal(t, domain.KindTranslationFailed, domain.KindOf(err))

	_, err = New(context.Background(), config.TranslatorConfig{Provider: "openai"}, discardLogger())
	assert.Error(t, err, "openai needs a key or base URL")

	_, err = New(context.Background(), config.TranslatorConfig{Provider: "watson"}, discardLogger())
	assert.Error(t, err)

	tr, err = New(context.Background(), config.TranslatorConfig{Provider: "bedrock", AWSRegion: "us-east-1", BedrockModelID: "m"}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &Client{}, tr)
}

func TestNewBedrock_Credentials(t *testing.T) {
	t.Parallel()

	t.Run("default chain when no keys are set", func(t *testing.T) {
		t.Parallel()
		b, err := NewBedrock(context.Background(), config.TranslatorConfig{AWSRegion: "eu-west-1", BedrockModelID: "m"})
		require.NoError(t, err)
		client, ok := b.invoker.(*bedrockruntime.Client)
		require.True(t, ok)
		assert.NotNil(t, client.Options().Credentials)
		assert.Equal(t, "eu-west-1", client.Options().Region)
	})

	t.Run("static keys override the chain", func(t *testing.T) {
		t.Parallel()
		b, err := NewBedrock(context.Background(), config.TranslatorConfig{
			AWSRegion:          "us-east-1",
			AWSAccessKeyID:     "AKIDEXAMPLE",
			AWSSecretAccessKey: "wJalrXUtnFEMI",
			BedrockModelID:     "m",
		})
		require.NoError(t, err)
		client, ok := b.invoker.(*bedrockruntime.Client)
		require.True(t, ok)
		creds, err := client.Options().Credentials.Retrieve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	})
}
