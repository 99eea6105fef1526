package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/model"
)

type stubClient struct {
	reply string
	err   error
	last  *model.Request
}

func (s *stubClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &model.Response{Content: s.reply}, nil
}

func newTestExtractor(t *testing.T, client model.Client) *Extractor {
	t.Helper()
	ex, err := New(Options{Client: client, Model: "gpt-4o-mini"})
	require.NoError(t, err)
	return ex
}

func TestExtractParsesSchemaValidReply(t *testing.T) {
	client := &stubClient{reply: `Here you go:
{"facts":[{"content":"The user works at Acme","confidence":0.9,"tags":["employment"]}],
 "entities":[{"name":"Acme","type":"organization","confidence":0.8}],
 "tasks":[{"description":"send the report","status":"open"}],
 "confidence":0.85}`}
	ex := newTestExtractor(t, client)

	got, err := ex.Extract(context.Background(), "I work at Acme", "Noted.", "")
	require.NoError(t, err)
	require.Len(t, got.Facts, 1)
	assert.Equal(t, "The user works at Acme", got.Facts[0].Content)
	assert.Equal(t, 0.9, got.Facts[0].Confidence)
	require.Len(t, got.Entities, 1)
	assert.Equal(t, "Acme", got.Entities[0].Name)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, MethodLLM, got.Metadata["extraction_method"])

	require.NotNil(t, client.last)
	require.NotNil(t, client.last.Temperature)
	assert.InDelta(t, 0.1, float64(*client.last.Temperature), 1e-6)
}

func TestExtractFallsBackOnUnparsableReply(t *testing.T) {
	for name, reply := range map[string]string{
		"no json":       "I could not produce JSON, sorry.",
		"truncated":     `{"facts":[{"content":"x"`,
		"schema broken": `{"entities":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			ex := newTestExtractor(t, &stubClient{reply: reply})
			got, err := ex.Extract(context.Background(), "remember my birthday is in May", "ok", "")
			require.NoError(t, err)
			require.Len(t, got.Facts, 1)
			assert.Contains(t, got.Facts[0].Content, "remember my birthday")
			assert.LessOrEqual(t, got.Confidence, 0.3)
			assert.Equal(t, MethodFallback, got.Metadata["extraction_method"])
		})
	}
}

func TestExtractSurfacesTransportError(t *testing.T) {
	ex := newTestExtractor(t, &stubClient{err: errors.New("connection refused")})
	_, err := ex.Extract(context.Background(), "hi", "hello", "")
	require.Error(t, err)
}

func TestFallbackPrefersUserMessage(t *testing.T) {
	got := Fallback("", "assistant said this")
	require.Len(t, got.Facts, 1)
	assert.Equal(t, "Conversation turn: assistant said this", got.Facts[0].Content)
}

func TestValidateAndDedupeFacts(t *testing.T) {
	facts := []Fact{
		{Content: "The sky is blue", Confidence: 0.5},
		{Content: "  the   SKY is blue ", Confidence: 0.9},
		{Content: "", Confidence: 0.7},
		{Content: "out of range", Confidence: 1.5},
		{Content: "unique", Confidence: 0.4},
	}
	got := ValidateAndDedupeFacts(facts)
	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, "unique", got[1].Content)

	// Idempotent.
	assert.Equal(t, got, ValidateAndDedupeFacts(got))
}

func TestFirstJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`prefix {"a":1} suffix`, `{"a":1}`, true},
		{`{"a":{"b":"}"}}`, `{"a":{"b":"}"}}`, true},
		{`{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{`no braces here`, "", false},
		{`{"unterminated":`, "", false},
	}
	for _, c := range cases {
		got, ok := FirstJSONObject(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}
