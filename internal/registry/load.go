package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type fileModel struct {
	Task          string  `yaml:"task" toml:"task"`
	Tier          string  `yaml:"tier" toml:"tier"`
	Model         string  `yaml:"model" toml:"model"`
	Provider      string  `yaml:"provider" toml:"provider"`
	Profile       string  `yaml:"profile" toml:"profile"`
	InputPerMTok  float64 `yaml:"input_per_mtok" toml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" toml:"output_per_mtok"`
	Timeout       string  `yaml:"timeout" toml:"timeout"`
	MaxTokens     int     `yaml:"max_tokens" toml:"max_tokens"`
}

type registryFile struct {
	Models []fileModel `yaml:"models" toml:"models"`
}

// Load builds a Registry from path, or from Defaults when path is empty.
// The format is chosen by extension: .yaml/.yml or .toml.
func Load(path, defaultProvider string) (*Registry, error) {
	if path == "" {
		return New(Defaults(defaultProvider))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	var f registryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported registry file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing registry file %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("registry file %s declares no models", path)
	}

	descs := make([]Descriptor, 0, len(f.Models))
	for i, m := range f.Models {
		d, err := m.descriptor(defaultProvider)
		if err != nil {
			return nil, fmt.Errorf("registry file %s, model %d: %w", path, i, err)
		}
		descs = append(descs, d)
	}
	return New(descs)
}

func (m fileModel) descriptor(defaultProvider string) (Descriptor, error) {
	tier, err := ParseTier(m.Tier)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Task:          TaskKind(m.Task),
		Tier:          tier,
		Model:         m.Model,
		Provider:      m.Provider,
		Profile:       Profile(m.Profile),
		InputPerMTok:  m.InputPerMTok,
		OutputPerMTok: m.OutputPerMTok,
		MaxTokens:     m.MaxTokens,
	}
	if d.Provider == "" {
		d.Provider = defaultProvider
	}
	if m.Timeout != "" {
		if d.Timeout, err = time.ParseDuration(m.Timeout); err != nil {
			return Descriptor{}, fmt.Errorf("invalid timeout %q: %w", m.Timeout, err)
		}
	}
	return d, nil
}

// Defaults is the built-in model pool, addressed through an
// OpenRouter-style provider.
func Defaults(provider string) []Descriptor {
	d := func(task TaskKind, tier Tier, profile Profile, model string, in, out float64) Descriptor {
		return Descriptor{
			Task: task, Tier: tier, Profile: profile, Model: model, Provider: provider,
			InputPerMTok: in, OutputPerMTok: out,
		}
	}
	return []Descriptor{
		d(TaskRewrite, TierPrimary, ProfileBalanced, "openai/gpt-4o", 2.50, 10.00),
		d(TaskRewrite, TierPrimary, ProfileReasoning, "deepseek/deepseek-r1", 0.55, 2.19),
		d(TaskRewrite, TierPrimary, ProfileLanguage, "qwen/qwen-2.5-72b-instruct", 0.35, 0.40),
		d(TaskRewrite, TierFallback, ProfileBalanced, "anthropic/claude-3.5-haiku", 0.80, 4.00),
		d(TaskRewrite, TierFallback, ProfileReasoning, "deepseek/deepseek-chat", 0.27, 1.10),
		d(TaskRewrite, TierBudget, ProfileBalanced, "openai/gpt-4o-mini", 0.15, 0.60),

		d(TaskChat, TierPrimary, ProfileBalanced, "openai/gpt-4o", 2.50, 10.00),
		d(TaskChat, TierFallback, ProfileBalanced, "anthropic/claude-3.5-haiku", 0.80, 4.00),
		d(TaskChat, TierBudget, ProfileBalanced, "openai/gpt-4o-mini", 0.15, 0.60),

		d(TaskVision, TierPrimary, ProfileBalanced, "openai/gpt-4o", 2.50, 10.00),
		d(TaskVision, TierFallback, ProfileBalanced, "google/gemini-flash-1.5", 0.075, 0.30),
		d(TaskVision, TierBudget, ProfileBalanced, "qwen/qwen-2-vl-7b-instruct", 0.10, 0.10),
	}
}
