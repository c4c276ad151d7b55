package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/lexical"
)

type fakeEncoder struct{ err error }

func (f *fakeEncoder) EncodeOne(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeVectors struct {
	hits []kb.Hit
	err  error
}

func (f *fakeVectors) Search(_ context.Context, _ []float32, limit int, filter kb.Filter) ([]kb.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]kb.Hit, 0, len(f.hits))
	for _, h := range f.hits {
		if filter.Matches(h.Passage) {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func pub(id, text string) kb.Passage {
	return kb.Passage{ID: id, Text: text, Visibility: kb.VisibilityPublic}
}

func newIndex(passages ...kb.Passage) *lexical.Index {
	ix := lexical.New(0)
	for _, p := range passages {
		ix.Add(p)
	}
	return ix
}

func cfg() config.RetrievalConfig {
	return config.RetrievalConfig{TopK: 5, DenseMult: 2, LexMult: 2, RerankMult: 3, Parallelism: 4}
}

func TestRetrieveFusesChannels(t *testing.T) {
	// p1 ranks first in both channels, p2 only dense, p3 only lexical
	vectors := &fakeVectors{hits: []kb.Hit{
		{Passage: pub("p1", "redis cluster configuration"), Score: 0.95},
		{Passage: pub("p2", "memcached basics"), Score: 0.70},
	}}
	ix := newIndex(
		pub("p1", "redis cluster configuration"),
		pub("p3", "configuration files overview"),
	)

	r := New(&fakeEncoder{}, vectors, ix, nil, nil, cfg(), zap.NewNop())
	res, err := r.Retrieve(context.Background(), "redis configuration", 5, kb.NoFilter())
	require.NoError(t, err)

	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "p1", res.Hits[0].Passage.ID) // appears in both lists
	assert.Empty(t, res.Degraded)
	assert.False(t, res.Reranked)
}

func TestRetrieveDegradesToLexical(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("qdrant down")}
	ix := newIndex(pub("p1", "postgres tuning guide"))

	r := New(&fakeEncoder{}, vectors, ix, nil, nil, cfg(), zap.NewNop())
	res, err := r.Retrieve(context.Background(), "postgres tuning", 5, kb.NoFilter())
	require.NoError(t, err)

	assert.Equal(t, []string{"dense"}, res.Degraded)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "p1", res.Hits[0].Passage.ID)
}

func TestRetrieveEncodeFailureDegradesToLexical(t *testing.T) {
	vectors := &fakeVectors{hits: []kb.Hit{{Passage: pub("p1", "x"), Score: 1}}}
	ix := newIndex(pub("p2", "searchable text"))

	r := New(&fakeEncoder{err: faults.ErrEmbeddingUnavailable}, vectors, ix, nil, nil, cfg(), zap.NewNop())
	res, err := r.Retrieve(context.Background(), "searchable", 5, kb.NoFilter())
	require.NoError(t, err)

	assert.Equal(t, []string{"dense"}, res.Degraded)
	assert.Len(t, res.Hits, 1)
}

func TestRetrieveBothChannelsDown(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("qdrant down")}

	r := New(&fakeEncoder{}, vectors, nil, nil, nil, cfg(), zap.NewNop())
	_, err := r.Retrieve(context.Background(), "q", 5, kb.NoFilter())
	assert.ErrorIs(t, err, faults.ErrRetrievalUnavailable)
}

func TestRetrieveNothingFilter(t *testing.T) {
	r := New(&fakeEncoder{}, &fakeVectors{}, newIndex(), nil, nil, cfg(), zap.NewNop())
	res, err := r.Retrieve(context.Background(), "q", 5, kb.Nothing())
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestRetrieveHonorsFilter(t *testing.T) {
	private := kb.Passage{ID: "priv", Text: "secret operations runbook", Visibility: kb.VisibilityPrivate, OwnerID: "alice"}
	vectors := &fakeVectors{hits: []kb.Hit{
		{Passage: private, Score: 0.99},
		{Passage: pub("p1", "public operations guide"), Score: 0.5},
	}}
	ix := newIndex(private, pub("p1", "public operations guide"))

	r := New(&fakeEncoder{}, vectors, ix, nil, nil, cfg(), zap.NewNop())
	res, err := r.Retrieve(context.Background(), "operations", 5, kb.Filter{PublicOnly: true})
	require.NoError(t, err)

	require.Len(t, res.Hits, 1)
	assert.Equal(t, "p1", res.Hits[0].Passage.ID)
}

func TestFuseOrderStability(t *testing.T) {
	lists := []variantLists{{
		dense: []kb.Hit{
			{Passage: pub("b", ""), Score: 0.9},
			{Passage: pub("a", ""), Score: 0.8},
		},
		lex: []kb.Hit{
			{Passage: pub("a", ""), Score: 2.0},
			{Passage: pub("b", ""), Score: 1.5},
		},
		denseOK: true, lexOK: true,
	}}

	// a and b both hold rank 0 + rank 1, so RRF ties; the earlier dense
	// rank (b) must win, and repeatedly so
	for i := 0; i < 10; i++ {
		fused := fuse(lists)
		require.Len(t, fused, 2)
		assert.Equal(t, "b", fused[0].Passage.ID)
		assert.Equal(t, "a", fused[1].Passage.ID)
	}
}

func TestFuseRewardsMultiChannelAgreement(t *testing.T) {
	lists := []variantLists{{
		dense:   []kb.Hit{{Passage: pub("both", ""), Score: 0.9}},
		lex:     []kb.Hit{{Passage: pub("both", ""), Score: 1.0}, {Passage: pub("lexonly", ""), Score: 0.9}},
		denseOK: true, lexOK: true,
	}}

	fused := fuse(lists)
	require.Len(t, fused, 2)
	assert.Equal(t, "both", fused[0].Passage.ID)
	assert.Greater(t, fused[0].Score, fused[1].Score)
}
