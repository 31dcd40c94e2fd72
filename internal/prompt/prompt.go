// Package prompt builds the chat messages sent to rewrite models and
// classifies requests into subject profiles and complexity bands.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kalambet/tutorai/internal/invoker"
)

// Style is the requested presentation of the rewritten answer.
type Style string

const (
	StyleGuided      Style = "guided"
	StyleDetailed    Style = "detailed"
	StyleSimplified  Style = "simplified"
	StyleInteractive Style = "interactive"
)

// Styles lists the accepted styles.
var Styles = []Style{StyleGuided, StyleDetailed, StyleSimplified, StyleInteractive}

// Valid reports whether s is one of Styles.
func (s Style) Valid() bool {
	for _, v := range Styles {
		if s == v {
			return true
		}
	}
	return false
}

var styleInstructions = map[Style]string{
	StyleGuided: `Guide the student step by step. Before each step, ask a short question that leads them toward the idea, then answer it. Do not give away the final result until the last step.`,
	StyleDetailed: `Give a complete worked explanation. State every step and the rule or fact it relies on. End with a one-line summary of the method.`,
	StyleSimplified: `Use the shortest explanation that is still correct. Prefer everyday words and short sentences. Drop any step a student at this level would not need.`,
	StyleInteractive: `Write the explanation as a dialogue between a tutor and a student. The student makes one typical mistake and the tutor corrects it.`,
}

const systemPrompt = `You are an experienced teacher rewriting answer keys for students. Rewrite the given answer so that it teaches instead of just stating the result.

Rules:
- Keep every fact and the final result of the original answer unchanged. Never invent new data.
- Match vocabulary and sentence length to the student's grade level.
- Use plain text with numbered steps. Write formulas inline.
- Output only the rewritten answer, without a preamble.`

// Example is a few-shot demonstration for one style.
type Example struct {
	Question string
	Answer   string
	Rewrite  string
}

var examples = map[Style]Example{
	StyleGuided: {
		Question: "What is 15% of 80?",
		Answer:   "12",
		Rewrite: `1. What does "percent" mean? It means "out of 100", so 15% is 15/100 = 0.15.
2. What does "of" tell us to do? Multiply. So we need 0.15 × 80.
3. 0.15 × 80 = 12.
Answer: 15% of 80 is 12.`,
	},
	StyleDetailed: {
		Question: "Why does ice float on water?",
		Answer:   "Ice is less dense than water.",
		Rewrite: `1. An object floats when its density is lower than the density of the liquid around it.
2. When water freezes, its molecules lock into a hexagonal lattice held by hydrogen bonds.
3. That lattice leaves more empty space than liquid water, so ice takes up about 9% more volume for the same mass.
4. Same mass in a bigger volume means lower density (about 0.92 g/cm³ versus 1.00 g/cm³).
Summary: compare densities; the less dense substance floats.`,
	},
	StyleSimplified: {
		Question: "Solve 2x + 3 = 11.",
		Answer:   "x = 4",
		Rewrite: `1. Take 3 away from both sides: 2x = 8.
2. Divide both sides by 2: x = 4.`,
	},
	StyleInteractive: {
		Question: "What is the past tense of \"go\"?",
		Answer:   "went",
		Rewrite: `Student: Is it "goed"?
Tutor: Good guess, most verbs just add -ed. But "go" is irregular. Have you heard "I went home"?
Student: Oh, so it's "went".
Tutor: Exactly. "Go" becomes "went" in the past tense.`,
	},
}

// Input is the content of a rewrite request.
type Input struct {
	Question     string
	Answer       string
	Subject      string
	QuestionType string
	GradeLevel   string
	Style        Style
}

// Rewrite builds the messages for a first rewrite attempt.
func Rewrite(in Input) []invoker.Message {
	msgs := []invoker.Message{{Role: "system", Content: buildSystem(in)}}
	if ex, ok := examples[in.Style]; ok {
		msgs = append(msgs,
			invoker.Message{Role: "user", Content: formatTask(Input{Question: ex.Question, Answer: ex.Answer})},
			invoker.Message{Role: "assistant", Content: ex.Rewrite},
		)
	}
	return append(msgs, invoker.Message{Role: "user", Content: formatTask(in)})
}

// Revise builds the messages for an optimization pass: the previous
// candidate and the reviewer's feedback are appended to the original task.
func Revise(in Input, previous, feedback string) []invoker.Message {
	msgs := Rewrite(in)
	msgs = append(msgs, invoker.Message{Role: "assistant", Content: previous})

	var sb strings.Builder
	sb.WriteString("A reviewer found problems with your rewrite.")
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&sb, "\n\n[Reviewer Feedback]\n%s", strings.TrimSpace(feedback))
	}
	sb.WriteString("\n\nWrite an improved version that fixes these problems. Output only the new rewrite.")
	return append(msgs, invoker.Message{Role: "user", Content: sb.String()})
}

func buildSystem(in Input) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if instr, ok := styleInstructions[in.Style]; ok {
		fmt.Fprintf(&sb, "\n\n[Style: %s]\n%s", in.Style, instr)
	}
	if in.GradeLevel != "" {
		fmt.Fprintf(&sb, "\n\n[Grade Level]\n%s", in.GradeLevel)
	}
	return sb.String()
}

func formatTask(in Input) string {
	var sb strings.Builder
	if in.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", in.Subject)
	}
	if in.QuestionType != "" {
		fmt.Fprintf(&sb, "Question type: %s\n", in.QuestionType)
	}
	fmt.Fprintf(&sb, "Question:\n%s\n\nOriginal answer:\n%s", in.Question, in.Answer)
	return sb.String()
}
