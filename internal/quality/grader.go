// Package quality scores rewritten answers with a cheap reviewer model.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/prompt"
	"github.com/kalambet/tutorai/internal/registry"
)

const (
	MinScore = 1.0
	MaxScore = 10.0
)

// ErrUnavailable means no score could be produced. Callers accept the
// candidate unscored.
var ErrUnavailable = errors.New("quality check unavailable")

// Criteria are the aspects the reviewer scores.
var Criteria = []string{"guidance", "accuracy", "reading_level", "clarity"}

// Assessment is a reviewer verdict. Usage is set whenever the reviewer call
// itself succeeded, even if its output could not be parsed, so the caller can
// account for the spend.
type Assessment struct {
	Score    float64
	Feedback string
	Criteria map[string]float64
	Usage    *invoker.Completion
}

// Invoker is the subset of *invoker.Invoker used by Grader.
type Invoker interface {
	Invoke(ctx context.Context, desc registry.Descriptor, msgs []invoker.Message, params invoker.Params) (invoker.Completion, error)
}

// Grader runs the quality check.
type Grader struct {
	inv  Invoker
	desc registry.Descriptor
}

// NewGrader creates a Grader that scores with the model in desc.
func NewGrader(inv Invoker, desc registry.Descriptor) *Grader {
	return &Grader{inv: inv, desc: desc}
}

// Descriptor returns the reviewer model.
func (g *Grader) Descriptor() registry.Descriptor { return g.desc }

const reviewPrompt = `You review rewritten answer keys for students. Score the candidate rewrite from 1 to 10 on each criterion:
- guidance: does it lead the student through the reasoning instead of just stating the result?
- accuracy: are all facts and the final result consistent with the original answer?
- reading_level: do vocabulary and sentence length fit the grade level?
- clarity: is the structure easy to follow?

Respond with only a JSON object:
{"guidance": <int>, "accuracy": <int>, "reading_level": <int>, "clarity": <int>, "score": <overall 1-10>, "feedback": "<what to fix, one short paragraph>"}`

func buildMessages(in prompt.Input, candidate string) []invoker.Message {
	var sb strings.Builder
	if in.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", in.Subject)
	}
	if in.GradeLevel != "" {
		fmt.Fprintf(&sb, "Grade level: %s\n", in.GradeLevel)
	}
	if in.Style != "" {
		fmt.Fprintf(&sb, "Requested style: %s\n", in.Style)
	}
	fmt.Fprintf(&sb, "\nQuestion:\n%s\n\nOriginal answer:\n%s\n\nCandidate rewrite:\n%s", in.Question, in.Answer, candidate)

	return []invoker.Message{
		{Role: "system", Content: reviewPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// Assess scores candidate. Any failure is reported as ErrUnavailable.
func (g *Grader) Assess(ctx context.Context, in prompt.Input, candidate string) (Assessment, error) {
	c, err := g.inv.Invoke(ctx, g.desc, buildMessages(in, candidate), invoker.Params{
		Temperature: 0.1,
		MaxTokens:   300,
		JSON:        true,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	a, err := parseAssessment(c.Text)
	a.Usage = &c
	if err != nil {
		slog.Debug("quality: unparseable review", "model", c.Model, "resp", c.Text, "error", err)
		return a, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return a, nil
}

// parseAssessment extracts a verdict from a reviewer response. Small models
// often wrap JSON in code fences or add prose, so the first {...} object in
// the text is used. A missing overall score is the mean of the criteria.
func parseAssessment(resp string) (Assessment, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Assessment{}, errors.New("no JSON object in response")
	}
	obj := s[start : end+1]
	if !gjson.Valid(obj) {
		return Assessment{}, errors.New("invalid JSON in response")
	}

	a := Assessment{
		Feedback: strings.TrimSpace(gjson.Get(obj, "feedback").String()),
		Criteria: make(map[string]float64, len(Criteria)),
	}
	var sum float64
	for _, name := range Criteria {
		if v := gjson.Get(obj, name); v.Exists() {
			a.Criteria[name] = v.Float()
			sum += v.Float()
		}
	}

	if v := gjson.Get(obj, "score"); v.Exists() && v.Type == gjson.Number {
		a.Score = v.Float()
	} else if len(a.Criteria) > 0 {
		a.Score = sum / float64(len(a.Criteria))
	} else {
		return Assessment{}, errors.New("no score in response")
	}

	if a.Score < MinScore || a.Score > MaxScore {
		return Assessment{}, fmt.Errorf("score %v out of range", a.Score)
	}
	return a, nil
}
