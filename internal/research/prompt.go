package research

import (
	"fmt"
	"strings"

	"github.com/kalambet/lernpfad/internal/gateway"
)

const systemPrompt = `You are an experienced teacher preparing a class test ("Klassenarbeit").
Analyse the material you are given and respond with a single JSON object and nothing else.`

const responseShape = `{
  "summary": "prose summary of the material",
  "key_facts": ["ordered list of the most important facts"],
  "topics": ["short topic labels"],
  "questions": [
    {
      "question": "candidate quiz question",
      "answers": [{"text": "answer", "correct": true}],
      "difficulty": "easy | medium | hard"
    }
  ]
}`

func buildRequest(in Input) gateway.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\n", strings.TrimSpace(in.Title))
	b.WriteString("Material:\n")
	b.WriteString(in.SourceText)
	b.WriteString("\n\nExtract a summary, the key facts in the order they appear, topic labels and 5 to 10 candidate ")
	b.WriteString("questions. Mark every answer as correct or not. Respond with JSON of this shape:\n")
	b.WriteString(responseShape)

	return gateway.Request{
		Purpose:     "research",
		System:      systemPrompt,
		Prompt:      b.String(),
		MaxTokens:   2048,
		Temperature: 0.3,
	}
}
