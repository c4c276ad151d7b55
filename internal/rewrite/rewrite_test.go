package rewrite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/llm"
)

type fakeGen struct {
	text string
	err  error
}

func (f *fakeGen) Complete(_ context.Context, _ llm.Request) (string, error) {
	return f.text, f.err
}

func (f *fakeGen) Stream(_ context.Context, _ llm.Request, onDelta func(string)) (string, error) {
	if f.err == nil && onDelta != nil {
		onDelta(f.text)
	}
	return f.text, f.err
}

func TestExpandOriginalFirst(t *testing.T) {
	gen := &fakeGen{text: "how to configure redis\nredis setup guide\ntuning redis settings"}
	r := New(gen, 3, true, zap.NewNop())

	variants := r.Expand(context.Background(), "How do I set up Redis?")
	require.Len(t, variants, 4)
	assert.Equal(t, "How do I set up Redis?", variants[0])
	assert.Equal(t, "how to configure redis", variants[1])
}

func TestExpandDedupesCaseInsensitive(t *testing.T) {
	gen := &fakeGen{text: "Setup Redis\nsetup redis\nSETUP   REDIS\nredis installation"}
	r := New(gen, 5, true, zap.NewNop())

	variants := r.Expand(context.Background(), "setup redis")
	// the original swallows all case/whitespace variants of itself
	assert.Equal(t, []string{"setup redis", "redis installation"}, variants)
}

func TestExpandCapsVariantCount(t *testing.T) {
	gen := &fakeGen{text: "a\nb\nc\nd\ne\nf"}
	r := New(gen, 2, true, zap.NewNop())

	variants := r.Expand(context.Background(), "q")
	assert.Len(t, variants, 3) // original + 2
}

func TestExpandFailureFallsBack(t *testing.T) {
	gen := &fakeGen{err: errors.New("llm down")}
	r := New(gen, 3, true, zap.NewNop())

	variants := r.Expand(context.Background(), "the question")
	assert.Equal(t, []string{"the question"}, variants)
}

func TestExpandDisabled(t *testing.T) {
	r := New(&fakeGen{text: "never used"}, 3, false, zap.NewNop())
	variants := r.Expand(context.Background(), "q")
	assert.Equal(t, []string{"q"}, variants)
}
