package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/faults"
)

func TestAcquireCreatesSession(t *testing.T) {
	m := NewManager(10, 100, false, zap.NewNop())

	st, release, err := m.Acquire("s1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "s1", st.ID)
	assert.Equal(t, 1, m.Len())
}

func TestAcquireBusyFailsFast(t *testing.T) {
	m := NewManager(10, 100, false, zap.NewNop())

	_, release, err := m.Acquire("s1")
	require.NoError(t, err)

	_, _, err = m.Acquire("s1")
	assert.ErrorIs(t, err, faults.ErrSessionBusy)

	release()
	_, release2, err := m.Acquire("s1")
	require.NoError(t, err)
	release2()
}

func TestAcquireWaitMode(t *testing.T) {
	m := NewManager(10, 100, true, zap.NewNop())

	st, release, err := m.Acquire("s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		_, release2, err := m.Acquire("s1")
		assert.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the session is held")
	case <-time.After(50 * time.Millisecond):
	}

	st.AppendTurn("user", "hello", m.MaxTurns())
	release()
	wg.Wait()
}

func TestAppendTurnCapsHistory(t *testing.T) {
	st := &State{ID: "s"}
	for i := 0; i < 7; i++ {
		st.AppendTurn("user", "msg", 4)
	}
	assert.Len(t, st.Turns, 4)
}

func TestSetSummaryKeepsRecentTurns(t *testing.T) {
	st := &State{ID: "s"}
	for _, msg := range []string{"a", "b", "c", "d", "e", "f"} {
		st.AppendTurn("user", msg, 100)
	}

	recent := st.Turns[len(st.Turns)-2:]
	st.SetSummary("earlier discussion about a through d", recent)

	assert.Equal(t, "earlier discussion about a through d", st.Summary)
	require.Len(t, st.Turns, 2)
	assert.Equal(t, "e", st.Turns[0].Content)
	assert.Equal(t, "f", st.Turns[1].Content)
}

func TestEvictionAtCapacity(t *testing.T) {
	m := NewManager(10, 2, false, zap.NewNop())

	for _, id := range []string{"s1", "s2", "s3"} {
		_, release, err := m.Acquire(id)
		require.NoError(t, err)
		release()
		time.Sleep(2 * time.Millisecond) // distinct lastUsed stamps
	}

	assert.Equal(t, 2, m.Len())
}

func TestDrop(t *testing.T) {
	m := NewManager(10, 100, false, zap.NewNop())
	_, release, err := m.Acquire("s1")
	require.NoError(t, err)
	release()

	m.Drop("s1")
	assert.Equal(t, 0, m.Len())
}
