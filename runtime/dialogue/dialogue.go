// Package dialogue maintains per-session rolling conversation state: turn and
// token counters, a bounded history buffer and periodic LLM-produced
// summaries. Updates to one session are serialized through optimistic
// concurrency on the state row's version.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/recall/runtime/extract"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/telemetry"
)

const (
	// maxHistoryTurns bounds the conversation-history buffer kept on the
	// state row.
	maxHistoryTurns = 10

	// maxShortSummary is the stored cap on the short summary.
	maxShortSummary = 250

	// applyRetries bounds optimistic-concurrency retries on state updates.
	applyRetries = 3

	defaultTurnThreshold  = 10
	defaultTokenThreshold = 8000

	summaryTemperature float32 = 0.2
	summaryMaxTokens           = 500
)

type (
	// HistoryTurn is one exchange kept in the bounded history buffer.
	HistoryTurn struct {
		UserMessage      string    `json:"userMessage"`
		AssistantMessage string    `json:"assistantMessage"`
		Timestamp        time.Time `json:"timestamp"`
	}

	// State is the rolling context of one (tenant, session) pair. TurnCount
	// and CumulativeTokens are monotonically non-decreasing; the
	// since-summary counters reset when a summary is produced.
	State struct {
		ID                 string
		TenantID           string
		SessionID          string
		UserID             string
		SummaryShort       string
		SummaryBullets     []string
		Topics             []string
		CumulativeTokens   int
		TurnCount          int
		TurnsSinceSummary  int
		TokensSinceSummary int
		History            []HistoryTurn
		Version            int64
		LastUpdatedAt      time.Time
	}

	// Summary is the structured result of one summarization.
	Summary struct {
		Short   string   `json:"short_summary"`
		Bullets []string `json:"bullet_summary"`
		Topics  []string `json:"topics"`
	}

	// Store is the persistence contract for dialogue state. Update performs a
	// compare-and-swap on Version and returns ErrConcurrentUpdate on
	// mismatch.
	Store interface {
		// GetOrCreate returns the state row for (tenantID, sessionID),
		// creating an empty one if absent.
		GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (*State, error)

		// Update persists the state iff the stored version matches
		// state.Version, then increments it.
		Update(ctx context.Context, state *State) error

		// ListDueForSummary returns up to limit states whose since-summary
		// counters meet either threshold.
		ListDueForSummary(ctx context.Context, turnThreshold, tokenThreshold, limit int) ([]*State, error)
	}

	// Service binds the store and the upstream model into the dialogue-state
	// operations used by ingestion.
	Service struct {
		store          Store
		client         model.Client
		modelID        string
		turnThreshold  int
		tokenThreshold int
		logger         telemetry.Logger
		now            func() time.Time
	}

	// Options configures a Service.
	Options struct {
		// Store is the state backend; required.
		Store Store

		// Client is the upstream model used for summarization; required.
		Client model.Client

		// Model is the model identifier used for summarization calls;
		// required.
		Model string

		// TurnThreshold triggers summarization after this many turns since
		// the last summary. Defaults to 10.
		TurnThreshold int

		// TokenThreshold triggers summarization after this many tokens since
		// the last summary. Defaults to 8000.
		TokenThreshold int

		// Logger reports recovered failures; nil uses a no-op.
		Logger telemetry.Logger
	}
)

// ErrConcurrentUpdate indicates the state row changed between read and write.
var ErrConcurrentUpdate = errors.New("dialogue: concurrent state update")

// New builds a Service from the provided options.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("dialogue: store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("dialogue: model client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("dialogue: model identifier is required")
	}
	turnThreshold := opts.TurnThreshold
	if turnThreshold <= 0 {
		turnThreshold = defaultTurnThreshold
	}
	tokenThreshold := opts.TokenThreshold
	if tokenThreshold <= 0 {
		tokenThreshold = defaultTokenThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		store:          opts.Store,
		client:         opts.Client,
		modelID:        opts.Model,
		turnThreshold:  turnThreshold,
		tokenThreshold: tokenThreshold,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// GetOrCreate returns the state row for the session, creating it if absent.
func (s *Service) GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (*State, error) {
	return s.store.GetOrCreate(ctx, tenantID, sessionID, userID)
}

// ApplyTurn records one exchange on the session state: turn count advances by
// two, token counters accumulate, and the exchange joins the bounded history
// buffer. Concurrent writers are resolved by reloading and retrying.
func (s *Service) ApplyTurn(ctx context.Context, tenantID, sessionID, userID, userMessage, assistantMessage string, tokens int) (*State, error) {
	if tokens < 0 {
		tokens = 0
	}
	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		state, err := s.store.GetOrCreate(ctx, tenantID, sessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("dialogue: load state: %w", err)
		}

		state.TurnCount += 2
		state.CumulativeTokens += tokens
		state.TurnsSinceSummary += 2
		state.TokensSinceSummary += tokens
		state.LastUpdatedAt = s.now()
		state.History = append(state.History, HistoryTurn{
			UserMessage:      userMessage,
			AssistantMessage: assistantMessage,
			Timestamp:        state.LastUpdatedAt,
		})
		if len(state.History) > maxHistoryTurns {
			state.History = state.History[len(state.History)-maxHistoryTurns:]
		}

		err = s.store.Update(ctx, state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, fmt.Errorf("dialogue: update state: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialogue: update state for session %s: %w", sessionID, lastErr)
}

// ShouldSummarize reports whether the session accrued enough turns or tokens
// since its last summary to warrant a new one.
func (s *Service) ShouldSummarize(state *State) bool {
	return state.TurnsSinceSummary >= s.turnThreshold ||
		state.TokensSinceSummary >= s.tokenThreshold
}

// Summarize produces a rolling summary from the session's history buffer,
// stores it on the state row and resets the since-summary counters. A reply
// that cannot be parsed falls back to a truncated first-line heuristic.
func (s *Service) Summarize(ctx context.Context, state *State) (*Summary, error) {
	if len(state.History) == 0 {
		return nil, errors.New("dialogue: no history to summarize")
	}

	summary := s.summarize(ctx, state)

	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		state.SummaryShort = summary.Short
		state.SummaryBullets = summary.Bullets
		state.Topics = mergeTopics(state.Topics, summary.Topics)
		state.TurnsSinceSummary = 0
		state.TokensSinceSummary = 0
		state.LastUpdatedAt = s.now()

		err := s.store.Update(ctx, state)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, fmt.Errorf("dialogue: store summary: %w", err)
		}
		lastErr = err
		reloaded, err := s.store.GetOrCreate(ctx, state.TenantID, state.SessionID, state.UserID)
		if err != nil {
			return nil, fmt.Errorf("dialogue: reload state: %w", err)
		}
		*state = *reloaded
	}
	return nil, fmt.Errorf("dialogue: store summary for session %s: %w", state.SessionID, lastErr)
}

// SummarizeDue summarizes up to limit sessions whose counters meet the
// thresholds and returns the number summarized. Per-session failures are
// logged and skipped.
func (s *Service) SummarizeDue(ctx context.Context, limit int) (int, error) {
	states, err := s.store.ListDueForSummary(ctx, s.turnThreshold, s.tokenThreshold, limit)
	if err != nil {
		return 0, fmt.Errorf("dialogue: list due sessions: %w", err)
	}
	count := 0
	for _, state := range states {
		if _, err := s.Summarize(ctx, state); err != nil {
			s.logger.Warn(ctx, "session summarization failed",
				"tenant_id", state.TenantID, "session_id", state.SessionID, "error", err.Error())
			continue
		}
		count++
	}
	return count, nil
}

// summarize calls the upstream model and parses its JSON reply, falling back
// to the first-line heuristic on any failure.
func (s *Service) summarize(ctx context.Context, state *State) *Summary {
	temp := summaryTemperature
	resp, err := s.client.Complete(ctx, &model.Request{
		Model: s.modelID,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: summarySystemPrompt},
			{Role: model.RoleUser, Content: renderHistory(state)},
		},
		Temperature: &temp,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		s.logger.Warn(ctx, "summary call failed, using heuristic",
			"tenant_id", state.TenantID, "session_id", state.SessionID, "error", err.Error())
		return heuristicSummary(state)
	}

	var summary Summary
	raw, ok := extract.FirstJSONObject(resp.Content)
	if !ok || json.Unmarshal([]byte(raw), &summary) != nil || strings.TrimSpace(summary.Short) == "" {
		s.logger.Warn(ctx, "summary reply unparsable, using heuristic",
			"tenant_id", state.TenantID, "session_id", state.SessionID)
		return heuristicSummary(state)
	}
	summary.Short = truncate(strings.TrimSpace(summary.Short), maxShortSummary)
	return &summary
}

const summarySystemPrompt = "You summarize conversations. Reply with a single JSON object: " +
	`{"short_summary": "one or two sentences, at most 250 characters", ` +
	`"bullet_summary": ["key point", ...], "topics": ["topic", ...]}. ` +
	"No text outside the JSON object."

func renderHistory(state *State) string {
	var sb strings.Builder
	if state.SummaryShort != "" {
		sb.WriteString("Previous summary: ")
		sb.WriteString(state.SummaryShort)
		sb.WriteString("\n\n")
	}
	for _, turn := range state.History {
		sb.WriteString("User: ")
		sb.WriteString(turn.UserMessage)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.AssistantMessage)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// heuristicSummary derives a summary from the most recent user message when
// the model reply cannot be used.
func heuristicSummary(state *State) *Summary {
	last := state.History[len(state.History)-1]
	line := strings.TrimSpace(last.UserMessage)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		line = "Conversation in progress"
	}
	return &Summary{Short: truncate(line, maxShortSummary)}
}

// mergeTopics appends new topics preserving first-seen order without
// duplicates.
func mergeTopics(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := existing
	for _, t := range existing {
		seen[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range incoming {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
