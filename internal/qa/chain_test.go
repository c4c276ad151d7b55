package qa

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/llm"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/semcache"
	"github.com/mnemo-ai/mnemo/internal/session"
)

type fakeRetriever struct {
	result retrieval.Result
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ kb.Filter) (retrieval.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeGen struct {
	answer  string
	summary string
	err     error
}

func (f *fakeGen) Complete(_ context.Context, req llm.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if req.Purpose == "summarize" {
		return f.summary, nil
	}
	return f.answer, nil
}

func (f *fakeGen) Stream(_ context.Context, _ llm.Request, onDelta func(string)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	// stream in two fragments to exercise chunk events
	half := len(f.answer) / 2
	if onDelta != nil {
		onDelta(f.answer[:half])
		onDelta(f.answer[half:])
	}
	return f.answer, nil
}

type fakeCache struct {
	entries map[string]semcache.Entry
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]semcache.Entry)}
}

func (f *fakeCache) key(q, p string) string { return strings.ToLower(q) + "|" + p }

func (f *fakeCache) Get(_ context.Context, q, p string) (semcache.Entry, bool) {
	e, ok := f.entries[f.key(q, p)]
	return e, ok
}

func (f *fakeCache) Put(_ context.Context, q, p string, e semcache.Entry) {
	f.puts++
	f.entries[f.key(q, p)] = e
}

func qaCfg() config.QAConfig {
	return config.QAConfig{
		MaxHistoryTurns:  10,
		KeepRecentTurns:  4,
		MaxSummaryChars:  1000,
		MaxContextChars:  8000,
		MaxSingleContent: 2000,
		CitationPattern:  `\[\^(\d+)\]`,
		RefusalPhrases:   []string{"i don't know"},
	}
}

func sourceHits() []kb.Hit {
	return []kb.Hit{
		{Passage: kb.Passage{ID: "p1", Text: "Redis restarts via systemctl.", Source: "ops.md"}, Score: 0.9},
		{Passage: kb.Passage{ID: "p2", Text: "Unrelated passage.", Source: "misc.md"}, Score: 0.4},
	}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestAnswerHappyPath(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Hits: sourceHits()}}
	gen := &fakeGen{answer: "Restart with systemctl restart redis [^1]."}
	cache := newFakeCache()
	chain, err := New(ret, cache, nil, gen, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question:  "How do I restart redis?",
		Principal: auth.Principal{ID: "u1", Role: auth.RoleUser},
		Filter:    kb.NoFilter(),
	})
	require.NoError(t, err)
	events := collect(t, ch)

	// sources, 2 chunks, highlights, done
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, EventSources, events[0].Type)
	assert.Len(t, events[0].Sources, 2)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	assert.False(t, last.Answer.Refused)
	assert.False(t, last.Answer.FromCache)
	assert.Equal(t, map[int]int{1: 1}, last.Answer.Highlights)

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == EventChunk {
			streamed.WriteString(ev.Text)
		}
	}
	assert.Equal(t, last.Answer.Text, streamed.String())

	assert.Equal(t, 1, cache.puts, "successful first-turn answers are cached")
}

func TestAnswerServedFromCache(t *testing.T) {
	ret := &fakeRetriever{}
	cache := newFakeCache()
	cache.Put(context.Background(), "how do i restart redis?", "u1", semcache.Entry{
		Answer:  "Use systemctl [^1].",
		Sources: sourceHits()[:1],
	})
	chain, err := New(ret, cache, nil, &fakeGen{}, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question:  "How do I restart redis?",
		Principal: auth.Principal{ID: "u1"},
		Filter:    kb.NoFilter(),
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	assert.True(t, last.Answer.FromCache)
	assert.Equal(t, 0, ret.calls, "cache hits skip retrieval entirely")
}

func TestAnswerRefusalNotCached(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Hits: sourceHits()}}
	gen := &fakeGen{answer: "I don't know based on the provided context."}
	cache := newFakeCache()
	chain, err := New(ret, cache, nil, gen, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question: "What is the meaning of life?", Principal: auth.Principal{ID: "u1"},
		Filter: kb.NoFilter(),
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	assert.True(t, last.Answer.Refused)
	assert.Equal(t, 0, cache.puts, "refusals must not be cached")
}

func TestAnswerRetrievalFailure(t *testing.T) {
	ret := &fakeRetriever{err: faults.ErrRetrievalUnavailable}
	chain, err := New(ret, nil, nil, &fakeGen{}, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question: "q", Filter: kb.NoFilter(),
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	assert.ErrorIs(t, last.Err, faults.ErrRetrievalUnavailable)
}

func TestAnswerSessionBusy(t *testing.T) {
	sessions := session.NewManager(100, 100, false, zap.NewNop())
	chain, err := New(&fakeRetriever{}, nil, sessions, &fakeGen{}, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	_, release, err := sessions.Acquire("s1")
	require.NoError(t, err)
	defer release()

	_, err = chain.Answer(context.Background(), Request{
		Question: "q", SessionID: "s1", Filter: kb.NoFilter(),
	})
	assert.ErrorIs(t, err, faults.ErrSessionBusy)
}

func TestAnswerRecordsSessionTurns(t *testing.T) {
	sessions := session.NewManager(100, 100, false, zap.NewNop())
	ret := &fakeRetriever{result: retrieval.Result{Hits: sourceHits()}}
	gen := &fakeGen{answer: "Answer text [^1]."}
	chain, err := New(ret, nil, sessions, gen, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question: "first question", SessionID: "s1", Filter: kb.NoFilter(),
	})
	require.NoError(t, err)
	collect(t, ch)

	st, release, err := sessions.Acquire("s1")
	require.NoError(t, err)
	defer release()

	require.Len(t, st.Turns, 2)
	assert.Equal(t, "user", st.Turns[0].Role)
	assert.Equal(t, "first question", st.Turns[0].Content)
	assert.Equal(t, "assistant", st.Turns[1].Role)
}

func TestAnswerCompressesLongHistory(t *testing.T) {
	sessions := session.NewManager(100, 100, false, zap.NewNop())
	st, release, err := sessions.Acquire("s1")
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		st.AppendTurn("user", "older message", 100)
	}
	release()

	ret := &fakeRetriever{result: retrieval.Result{Hits: sourceHits()}}
	gen := &fakeGen{answer: "Reply [^1].", summary: "they talked about older messages"}
	chain, err := New(ret, nil, sessions, gen, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question: "follow-up", SessionID: "s1", Filter: kb.NoFilter(),
	})
	require.NoError(t, err)
	collect(t, ch)

	st, release, err = sessions.Acquire("s1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "they talked about older messages", st.Summary)
	// 4 kept + the new user/assistant pair
	assert.Len(t, st.Turns, 6)
}

func TestAnswerEmptyFilterNothingVisible(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Hits: []kb.Hit{}}}
	gen := &fakeGen{answer: "I don't know."}
	chain, err := New(ret, nil, nil, gen, qaCfg(), 5, zap.NewNop())
	require.NoError(t, err)

	ch, err := chain.Answer(context.Background(), Request{
		Question: "anything", Filter: kb.Nothing(),
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, EventSources, events[0].Type)
	assert.Empty(t, events[0].Sources)
	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	assert.True(t, last.Answer.Refused)
}
