package qa

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/llm"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/semcache"
	"github.com/mnemo-ai/mnemo/internal/session"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

const answerPrompt = "Answer the question using only the numbered context passages below. " +
	"Cite every claim with a footnote marker like [^1] referring to the passage number. " +
	"If the passages do not contain the answer, say that you don't know. " +
	"Do not invent citations.\n\nContext:\n%s"

// Retriever is the retrieval dependency of the chain.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int, filter kb.Filter) (retrieval.Result, error)
}

// AnswerCache is the semantic cache dependency.
type AnswerCache interface {
	Get(ctx context.Context, question, principalID string) (semcache.Entry, bool)
	Put(ctx context.Context, question, principalID string, entry semcache.Entry)
}

// Request is one answer invocation. Filter must already encode the
// principal's access rights.
type Request struct {
	Question  string
	SessionID string
	Principal auth.Principal
	Filter    kb.Filter
	TopK      int
}

// Chain orchestrates one answer end to end.
type Chain struct {
	retriever Retriever
	cache     AnswerCache
	sessions  *session.Manager
	gen       llm.Generator
	cfg       config.QAConfig
	topK      int
	citation  *regexp.Regexp
	logger    *zap.Logger
}

// New builds the chain. cache and sessions may be nil.
func New(retriever Retriever, cache AnswerCache, sessions *session.Manager,
	gen llm.Generator, cfg config.QAConfig, topK int, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern := cfg.CitationPattern
	if pattern == "" {
		pattern = `\[\^(\d+)\]`
	}
	citation, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile citation pattern %q: %w", pattern, err)
	}
	if topK <= 0 {
		topK = 5
	}
	return &Chain{
		retriever: retriever,
		cache:     cache,
		sessions:  sessions,
		gen:       gen,
		cfg:       cfg,
		topK:      topK,
		citation:  citation,
		logger:    logger,
	}, nil
}

// Answer runs the chain and streams events. Session acquisition happens
// before the stream starts, so a busy session fails synchronously with
// ErrSessionBusy. The returned channel is closed by the producer after the
// terminal done or error event.
func (c *Chain) Answer(ctx context.Context, req Request) (<-chan Event, error) {
	var st *session.State
	release := func() {}
	if req.SessionID != "" && c.sessions != nil {
		var err error
		st, release, err = c.sessions.Acquire(req.SessionID)
		if err != nil {
			return nil, err
		}
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer release()
		c.run(ctx, req, st, events)
	}()
	return events, nil
}

func (c *Chain) run(ctx context.Context, req Request, st *session.State, events chan<- Event) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "qa.answer")
	defer span.End()

	fail := func(err error) {
		events <- Event{Type: EventError, Err: err}
		metrics.AnswersGenerated.WithLabelValues("generated", "error").Inc()
	}

	noHistory := st == nil || (len(st.Turns) == 0 && st.Summary == "")

	// cache probe: only first turns are cacheable, a follow-up depends on
	// conversation state the cache cannot see
	if noHistory && c.cache != nil {
		if entry, ok := c.cache.Get(ctx, req.Question, req.Principal.ID); ok {
			highlights := extractCitations(entry.Answer, c.citation, len(entry.Sources))
			events <- Event{Type: EventSources, Sources: entry.Sources}
			events <- Event{Type: EventChunk, Text: entry.Answer}
			events <- Event{Type: EventHighlights, Highlights: highlights}
			c.recordTurns(st, req.Question, entry.Answer)
			events <- Event{Type: EventDone, Answer: &Answer{
				Text: entry.Answer, Sources: entry.Sources,
				Highlights: highlights, FromCache: true,
			}}
			metrics.AnswersGenerated.WithLabelValues("cache", "ok").Inc()
			metrics.AnswerDuration.Observe(time.Since(start).Seconds())
			return
		}
	}

	if st != nil {
		compressHistory(ctx, c.gen, st, c.cfg, c.logger)
	}

	result, err := c.retriever.Retrieve(ctx, req.Question, req.TopK, req.Filter)
	if err != nil {
		fail(err)
		return
	}
	events <- Event{Type: EventSources, Sources: result.Hits}

	contextBlock, included := assembleContext(result.Hits, c.cfg.MaxContextChars, c.cfg.MaxSingleContent)
	cited := result.Hits
	if included < len(cited) {
		cited = cited[:included]
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: fmt.Sprintf(answerPrompt, contextBlock)}}
	msgs = append(msgs, historyMessages(st)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Question})

	answer, err := c.gen.Stream(ctx, llm.Request{
		Messages: msgs,
		Purpose:  "answer",
	}, func(delta string) {
		events <- Event{Type: EventChunk, Text: delta}
	})
	if err != nil {
		fail(err)
		return
	}

	highlights := extractCitations(answer, c.citation, len(cited))
	events <- Event{Type: EventHighlights, Highlights: highlights}

	refused := isRefusal(answer, c.cfg.RefusalPhrases, len(highlights))

	if c.cache != nil && noHistory && !refused && ctx.Err() == nil {
		c.cache.Put(ctx, req.Question, req.Principal.ID, semcache.Entry{
			Question: req.Question,
			Answer:   answer,
			Sources:  cited,
		})
	}
	c.recordTurns(st, req.Question, answer)

	events <- Event{Type: EventDone, Answer: &Answer{
		Text:       answer,
		Sources:    result.Hits,
		Highlights: highlights,
		Refused:    refused,
		Degraded:   result.Degraded,
		Reranked:   result.Reranked,
	}}

	status := "ok"
	if refused {
		status = "refused"
	}
	metrics.AnswersGenerated.WithLabelValues("generated", status).Inc()
	metrics.AnswerDuration.Observe(time.Since(start).Seconds())
}

func (c *Chain) recordTurns(st *session.State, question, answer string) {
	if st == nil || c.sessions == nil {
		return
	}
	st.AppendTurn("user", question, c.sessions.MaxTurns())
	st.AppendTurn("assistant", answer, c.sessions.MaxTurns())
}
