package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	ws := t.TempDir()
	mem, err := sqlite.New(context.Background(), sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return NewStore(mem, ws), ws
}

func strptr(s string) *string { return &s }

func TestLoadSeedsMinimalIdentity(t *testing.T) {
	s, ws := newTestStore(t)

	require.NoError(t, s.Load(context.Background()))
	state := s.State()
	assert.Equal(t, CurrentSchemaVersion, state.Identity.SchemaVersion)
	assert.NotEmpty(t, state.Identity.PrinciplesHash)
	assert.Equal(t, "strict", state.Identity.SafetyPosture)

	// Mirror was written.
	_, err := os.Stat(filepath.Join(ws, "persona.json"))
	assert.NoError(t, err)
}

func TestApplyUpdatesMutableFieldsAndMirror(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	err := s.Apply(ctx, &guard.Writeback{
		CurrentObjective: strptr("triage the feed backlog"),
		OpenLoops:        []string{"rss poller stuck"},
	})
	require.NoError(t, err)

	state := s.State()
	assert.Equal(t, "triage the feed backlog", state.CurrentObjective)
	assert.Equal(t, []string{"rss poller stuck"}, state.OpenLoops)

	// Identity fields untouched.
	assert.Equal(t, CurrentSchemaVersion, state.Identity.SchemaVersion)

	data, err := os.ReadFile(filepath.Join(ws, "persona.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "triage the feed backlog")
}

func TestLoadReconcilesCanonicalWins(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	// Establish canonical state with an objective.
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Apply(ctx, &guard.Writeback{CurrentObjective: strptr("real objective")}))

	// Corrupt the mirror with different content.
	mirror := filepath.Join(ws, "persona.json")
	require.NoError(t, os.WriteFile(mirror, []byte(`{"current_objective":"tampered"}`), 0o600))

	// A fresh store over the same memory backend reconciles: canonical wins.
	s2 := NewStore(s.mem, ws)
	require.NoError(t, s2.Load(ctx))
	assert.Equal(t, "real objective", s2.State().CurrentObjective)

	data, err := os.ReadFile(mirror)
	require.NoError(t, err)
	assert.Contains(t, string(data), "real objective")
	assert.NotContains(t, string(data), "tampered")
}

func TestLoadSeedsFromMirrorWhenCanonicalAbsent(t *testing.T) {
	ws := t.TempDir()
	mem, err := sqlite.New(context.Background(), sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	// Pre-seed only the mirror file.
	mirror := `{"identity":{"schema_version":1,"principles_hash":"abc","safety_posture":"strict"},"current_objective":"from mirror","context_summary":""}`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "persona.json"), []byte(mirror), 0o600))

	s := NewStore(mem, ws)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, "from mirror", s.State().CurrentObjective)
}
