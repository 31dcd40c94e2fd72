package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/tutorai/internal/registry"
)

var reasoningSubjects = []string{
	"math", "algebra", "geometry", "calculus", "arithmetic", "statistics",
	"physics", "chemistry",
	"数学", "物理", "化学",
}

var languageSubjects = []string{
	"language", "english", "literature", "reading", "writing", "grammar",
	"history", "geography", "philosophy", "social", "humanities",
	"语文", "英语", "历史", "地理", "政治",
}

// Classify maps a subject name to a model profile. Unknown subjects get the
// balanced profile. Latin keywords match the start of a word, so "Maths"
// matches but "aftermath" does not. Han keywords match anywhere.
func Classify(subject string) registry.Profile {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "" {
		return registry.ProfileBalanced
	}
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if matchesAny(s, words, reasoningSubjects) {
		return registry.ProfileReasoning
	}
	if matchesAny(s, words, languageSubjects) {
		return registry.ProfileLanguage
	}
	return registry.ProfileBalanced
}

func matchesAny(s string, words, keywords []string) bool {
	for _, k := range keywords {
		if isHan(k) {
			if strings.Contains(s, k) {
				return true
			}
			continue
		}
		for _, w := range words {
			if strings.HasPrefix(w, k) {
				return true
			}
		}
	}
	return false
}

func isHan(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.Is(unicode.Han, r)
}

// SelectProfile picks the model profile for a request. A high-complexity
// request whose subject matches no profile is routed to reasoning models.
func SelectProfile(subject string, c Complexity) registry.Profile {
	p := Classify(subject)
	if p == registry.ProfileBalanced && c == ComplexityHigh {
		return registry.ProfileReasoning
	}
	return p
}

// Complexity is a coarse size/difficulty band for a request.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityMedium
	ComplexityHigh
)

func (c Complexity) String() string {
	switch c {
	case ComplexityLow:
		return "low"
	case ComplexityMedium:
		return "medium"
	default:
		return "high"
	}
}

// MaxTokens is the completion budget used for a rewrite of this complexity.
func (c Complexity) MaxTokens() int {
	switch c {
	case ComplexityLow:
		return 600
	case ComplexityMedium:
		return 1200
	default:
		return 2000
	}
}

var formulaMarkers = []string{
	"=", "^", "√", "∫", "∑", "π", "≤", "≥", "≠", "×", "÷", "²", "³",
	"\\frac", "\\sqrt", "$$", "sin(", "cos(", "log(",
}

var diagramMarkers = []string{
	"diagram", "figure", "graph", "chart", "table", "[image]", "<img", "![",
	"如图", "图中",
}

// EstimateComplexity scores a question/answer pair by length and by the
// presence of formulas or references to diagrams.
func EstimateComplexity(question, answer string) Complexity {
	text := question + "\n" + answer
	score := 0

	switch n := utf8.RuneCountInString(text); {
	case n > 1500:
		score += 2
	case n > 400:
		score++
	}

	lower := strings.ToLower(text)
	formulas := 0
	for _, m := range formulaMarkers {
		formulas += strings.Count(lower, m)
	}
	switch {
	case formulas >= 6:
		score += 2
	case formulas > 0:
		score++
	}

	for _, m := range diagramMarkers {
		if strings.Contains(lower, m) {
			score++
			break
		}
	}

	switch {
	case score >= 3:
		return ComplexityHigh
	case score >= 1:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
