package generation

import (
	"errors"
	"strings"

	"github.com/kalambet/lernpfad/internal/content"
)

var errNoQuestions = errors.New("model returned no usable questions")

// NormalizeQuiz builds a clean quiz from raw model output and reports how many
// questions had to be dropped.
//
// Multiple-choice questions keep only when their correct answer matches one
// of their options (case-insensitive; a single letter A-F selects by
// position). True-false options are always ["true","false"]. Short-answer
// questions carry no options.
func NormalizeQuiz(raw *content.QuizResult, title string) (*content.QuizResult, int, error) {
	out := &content.QuizResult{Title: strings.TrimSpace(raw.Title)}
	if out.Title == "" {
		out.Title = strings.TrimSpace(title)
	}

	supplied := make([]string, 0, len(raw.Questions))
	for _, q := range raw.Questions {
		supplied = append(supplied, q.ID)
	}
	ids := newIDPool("q", supplied)

	seen := make(map[string]bool)
	dropped := 0
	for _, q := range raw.Questions {
		nq, ok := normalizeQuestion(q)
		if !ok {
			dropped++
			continue
		}
		if nq.ID == "" || seen[nq.ID] {
			nq.ID = ids.next()
		}
		seen[nq.ID] = true
		out.Questions = append(out.Questions, nq)
	}

	if len(out.Questions) == 0 {
		return nil, dropped, errNoQuestions
	}
	out.TotalQuestions = len(out.Questions)
	out.EstimatedTime = max(1, out.TotalQuestions)
	return out, dropped, nil
}

func normalizeQuestion(q content.QuizQuestion) (content.QuizQuestion, bool) {
	q.ID = strings.TrimSpace(q.ID)
	q.Question = strings.TrimSpace(q.Question)
	q.CorrectAnswer = strings.TrimSpace(q.CorrectAnswer)
	q.Explanation = strings.TrimSpace(q.Explanation)
	q.Topic = strings.TrimSpace(q.Topic)
	if q.Question == "" {
		return q, false
	}

	options := trimmed(q.Options)
	q.Type = questionType(q.Type, len(options))

	switch q.Type {
	case content.QuestionMultipleChoice:
		if len(options) < 2 {
			return q, false
		}
		answer, ok := matchOption(q.CorrectAnswer, options)
		if !ok {
			return q, false
		}
		q.Options = options
		q.CorrectAnswer = answer

	case content.QuestionTrueFalse:
		answer, ok := parseBool(q.CorrectAnswer)
		if !ok {
			return q, false
		}
		q.Options = []string{"true", "false"}
		q.CorrectAnswer = answer

	case content.QuestionShortAnswer:
		if q.CorrectAnswer == "" {
			return q, false
		}
		q.Options = nil
	}
	return q, true
}

func questionType(t string, options int) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.NewReplacer("_", "-", " ", "-").Replace(t)
	switch t {
	case content.QuestionMultipleChoice, "mc", "choice", "single-choice":
		return content.QuestionMultipleChoice
	case content.QuestionTrueFalse, "truefalse", "boolean", "true/false":
		return content.QuestionTrueFalse
	case content.QuestionShortAnswer, "open", "free-text", "text":
		return content.QuestionShortAnswer
	}
	if options >= 2 {
		return content.QuestionMultipleChoice
	}
	return content.QuestionShortAnswer
}

func matchOption(answer string, options []string) (string, bool) {
	if answer == "" {
		return "", false
	}
	for _, o := range options {
		if strings.EqualFold(o, answer) {
			return o, true
		}
	}
	if len(answer) == 1 {
		idx := int(strings.ToUpper(answer)[0]) - 'A'
		if idx >= 0 && idx < len(options) && idx < 6 {
			return options[idx], true
		}
	}
	return "", false
}

func parseBool(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "true", "wahr", "richtig", "yes", "ja":
		return "true", true
	case "false", "falsch", "no", "nein":
		return "false", true
	}
	return "", false
}

func trimmed(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
