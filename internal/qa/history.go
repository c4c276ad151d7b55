package qa

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/llm"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/session"
)

const summaryPrompt = "Summarize the following conversation so it can stand in for the " +
	"full transcript in a later prompt. Keep decisions, named entities, and open " +
	"questions. Be brief."

// compressHistory folds older turns into the rolling summary once the turn
// count exceeds the limit. When summarization fails the older turns are
// simply dropped; answering must not stall on a summarizer outage.
func compressHistory(ctx context.Context, gen llm.Generator, st *session.State, cfg config.QAConfig, logger *zap.Logger) {
	if len(st.Turns) <= cfg.MaxHistoryTurns {
		return
	}
	keep := cfg.KeepRecentTurns
	if keep < 0 {
		keep = 0
	}
	older := st.Turns[:len(st.Turns)-keep]
	recent := st.Turns[len(st.Turns)-keep:]

	var transcript strings.Builder
	if st.Summary != "" {
		transcript.WriteString("Earlier summary: ")
		transcript.WriteString(st.Summary)
		transcript.WriteString("\n\n")
	}
	for _, turn := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
	}

	summary, err := gen.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: transcript.String()},
		},
		MaxTokens: 512,
		Purpose:   "summarize",
	})
	if err != nil {
		logger.Warn("History summarization failed, truncating instead", zap.Error(err))
		st.SetSummary(st.Summary, recent)
		metrics.HistoryCompressions.WithLabelValues("truncated").Inc()
		return
	}

	if utf8.RuneCountInString(summary) > cfg.MaxSummaryChars {
		runes := []rune(summary)
		summary = string(runes[:cfg.MaxSummaryChars])
	}
	st.SetSummary(strings.TrimSpace(summary), recent)
	metrics.HistoryCompressions.WithLabelValues("summarized").Inc()
}

// historyMessages renders the session state as chat messages: the summary
// (if any) as a system turn, then the kept turns verbatim.
func historyMessages(st *session.State) []llm.Message {
	if st == nil {
		return nil
	}
	var msgs []llm.Message
	if st.Summary != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Summary of the conversation so far: " + st.Summary,
		})
	}
	for _, turn := range st.Turns {
		role := llm.RoleUser
		if turn.Role == "assistant" {
			role = llm.RoleAssistant
		} else if turn.Role == "system" {
			role = llm.RoleSystem
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Content})
	}
	return msgs
}
