package content

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validate reports whether the artifact carries the minimum a generation
// step needs: a summary and at least one key fact.
func (r *ResearchArtifact) Validate() error {
	if r == nil {
		return errors.New("research artifact is nil")
	}
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("research artifact has no summary")
	}
	facts := 0
	for _, f := range r.KeyFacts {
		if strings.TrimSpace(f) != "" {
			facts++
		}
	}
	if facts == 0 {
		return errors.New("research artifact has no key facts")
	}
	return nil
}

// Clean trims whitespace and removes empty facts, topics and answerless
// candidate questions. Order is preserved.
func (r *ResearchArtifact) Clean() {
	r.Summary = strings.TrimSpace(r.Summary)
	r.KeyFacts = nonEmpty(r.KeyFacts)
	r.Topics = nonEmpty(r.Topics)

	qs := r.Questions[:0]
	for _, q := range r.Questions {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" || len(q.Answers) == 0 {
			continue
		}
		q.Difficulty = NormalizeDifficulty(q.Difficulty)
		qs = append(qs, q)
	}
	r.Questions = qs
}

const fallbackExcerptRunes = 280

// FallbackResearch builds a generic, clearly templated artifact used when
// research is configured not to block the pipeline.
func FallbackResearch(title, sourceText string) *ResearchArtifact {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "the submitted text"
	}
	excerpt := strings.Join(strings.Fields(sourceText), " ")
	if utf8.RuneCountInString(excerpt) > fallbackExcerptRunes {
		excerpt = string([]rune(excerpt)[:fallbackExcerptRunes]) + "…"
	}

	facts := []string{
		fmt.Sprintf("The material covers the topic %q.", title),
		"Review the key terms and definitions in the text.",
		"Summarise each section in your own words.",
	}
	if excerpt != "" {
		facts = append(facts, "Excerpt: "+excerpt)
	}

	return &ResearchArtifact{
		Summary:  fmt.Sprintf("Automatic analysis of %q was not available. This is a generic study outline.", title),
		KeyFacts: facts,
		Topics:   []string{title},
		Questions: []CandidateQuestion{
			{
				Question: fmt.Sprintf("Which topic does the material %q cover?", title),
				Answers: []CandidateAnswer{
					{Text: title, Correct: true},
					{Text: "None of the above", Correct: false},
				},
				Difficulty: "easy",
			},
		},
	}
}

// NormalizeDifficulty maps free-form difficulty labels onto easy, medium or hard.
func NormalizeDifficulty(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy", "leicht", "beginner", "einfach":
		return "easy"
	case "hard", "schwer", "advanced", "schwierig":
		return "hard"
	default:
		return "medium"
	}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
