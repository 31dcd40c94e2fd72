package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Defaults(t *testing.T) {
	r, err := Load("", "openrouter")
	require.NoError(t, err)

	for _, task := range []TaskKind{TaskRewrite, TaskChat, TaskVision} {
		for _, tier := range Tiers {
			d, err := r.Resolve(task, tier)
			require.NoError(t, err, "%s/%s", task, tier)
			assert.Equal(t, task, d.Task)
			assert.Equal(t, tier, d.Tier)
			assert.Equal(t, "openrouter", d.Provider)
		}
	}
}

func TestResolve_Unknown(t *testing.T) {
	r, err := New([]Descriptor{{Task: TaskRewrite, Tier: TierPrimary, Model: "m1"}})
	require.NoError(t, err)

	_, err = r.Resolve(TaskRewrite, TierBudget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownModel))

	var ume *UnknownModelError
	require.ErrorAs(t, err, &ume)
	assert.Equal(t, TierBudget, ume.Tier)
}

func TestResolveFor_ProfileFallsBackToDefault(t *testing.T) {
	r, err := New([]Descriptor{
		{Task: TaskRewrite, Tier: TierPrimary, Model: "general"},
		{Task: TaskRewrite, Tier: TierPrimary, Model: "thinker", Profile: ProfileReasoning},
	})
	require.NoError(t, err)

	d, err := r.ResolveFor(TaskRewrite, TierPrimary, ProfileReasoning)
	require.NoError(t, err)
	assert.Equal(t, "thinker", d.Model)

	d, err = r.ResolveFor(TaskRewrite, TierPrimary, ProfileLanguage)
	require.NoError(t, err)
	assert.Equal(t, "general", d.Model)
}

func TestNew_RejectsInvalid(t *testing.T) {
	_, err := New([]Descriptor{{Task: TaskRewrite, Tier: TierPrimary}})
	assert.Error(t, err)

	_, err = New([]Descriptor{{Task: "essay", Tier: TierPrimary, Model: "m"}})
	assert.Error(t, err)

	_, err = New([]Descriptor{{Task: TaskChat, Tier: Tier(7), Model: "m"}})
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	next, ok := Next(TierPrimary)
	assert.True(t, ok)
	assert.Equal(t, TierFallback, next)

	next, ok = Next(TierFallback)
	assert.True(t, ok)
	assert.Equal(t, TierBudget, next)

	_, ok = Next(TierBudget)
	assert.False(t, ok)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `models:
  - task: rewrite
    tier: primary
    model: big-model
    profile: reasoning
    input_per_mtok: 1.5
    output_per_mtok: 6
    timeout: 12s
    max_tokens: 900
  - task: rewrite
    tier: budget
    model: small-model
    provider: local
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := Load(path, "openrouter")
	require.NoError(t, err)

	d, err := r.Resolve(TaskRewrite, TierPrimary)
	require.NoError(t, err)
	assert.Equal(t, "big-model", d.Model)
	assert.Equal(t, ProfileReasoning, d.Profile)
	assert.Equal(t, "openrouter", d.Provider)
	assert.Equal(t, 12*time.Second, d.Timeout)
	assert.Equal(t, 900, d.MaxTokens)
	assert.InDelta(t, 1.5, d.InputPerMTok, 1e-9)

	d, err = r.Resolve(TaskRewrite, TierBudget)
	require.NoError(t, err)
	assert.Equal(t, "local", d.Provider)
	assert.Equal(t, ProfileBalanced, d.Profile)
}

func TestLoad_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.toml")
	content := `[[models]]
task = "chat"
tier = "fallback"
model = "grader"
input_per_mtok = 0.1
output_per_mtok = 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := Load(path, "openrouter")
	require.NoError(t, err)

	d, err := r.Resolve(TaskChat, TierFallback)
	require.NoError(t, err)
	assert.Equal(t, "grader", d.Model)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"), "p")
	assert.Error(t, err)

	bad := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{}`), 0o644))
	_, err = Load(bad, "p")
	assert.Error(t, err)

	badTier := filepath.Join(dir, "tier.yaml")
	require.NoError(t, os.WriteFile(badTier, []byte("models:\n  - task: chat\n    tier: gold\n    model: x\n"), 0o644))
	_, err = Load(badTier, "p")
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("models: []\n"), 0o644))
	_, err = Load(empty, "p")
	assert.Error(t, err)
}

func TestDescriptorCost(t *testing.T) {
	d := Descriptor{InputPerMTok: 2, OutputPerMTok: 10}
	assert.InDelta(t, 0.002+0.01, d.Cost(1000, 1000), 1e-12)
}

func TestResolve_ConcurrentReads(t *testing.T) {
	r, err := Load("", "openrouter")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tier := range Tiers {
				if _, err := r.ResolveFor(TaskRewrite, tier, ProfileReasoning); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
}
