package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/lernpfad/internal/gateway"
)

const systemPrompt = `You create learning material for school students from prepared research notes.
Respond with a single JSON object and nothing else.`

const quizShape = `{
  "title": "quiz title",
  "questions": [
    {
      "id": "q1",
      "type": "multiple-choice | true-false | short-answer",
      "question": "...",
      "options": ["only for multiple-choice"],
      "correctAnswer": "must equal one of the options for multiple-choice; true or false for true-false",
      "explanation": "why the answer is correct",
      "topic": "topic label"
    }
  ]
}`

const discoveryShape = `{
  "title": "path title",
  "objectives": [
    {"id": "obj-1", "title": "...", "description": "...", "difficulty": "easy | medium | hard",
     "prerequisites": ["ids of earlier objectives"], "estimatedMinutes": 10}
  ],
  "stations": [
    {"id": "st-1", "type": "explanation | quiz | simulation | reflection | challenge",
     "objective": "obj-1", "title": "...", "content": {}}
  ]
}`

func quizRequest(in Input) gateway.Request {
	return gateway.Request{
		Purpose:     "generation.quiz",
		System:      systemPrompt,
		Prompt:      buildPrompt(in, "Write a quiz of 5 to 10 questions mixing the three question types.", quizShape),
		MaxTokens:   3072,
		Temperature: 0.4,
	}
}

func discoveryRequest(in Input) gateway.Request {
	return gateway.Request{
		Purpose: "generation.discovery",
		System:  systemPrompt,
		Prompt: buildPrompt(in,
			"Design a discovery path: 3 to 6 learning objectives ordered by prerequisites, each with 1 to 3 stations. "+
				"Station content is free-form JSON suited to the station type.",
			discoveryShape),
		MaxTokens:   4096,
		Temperature: 0.5,
	}
}

func buildPrompt(in Input, task, shape string) string {
	research, _ := json.MarshalIndent(in.Research, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\n", strings.TrimSpace(in.Title))
	b.WriteString("Research notes:\n")
	b.Write(research)
	if in.SourceText != "" {
		b.WriteString("\n\nOriginal material:\n")
		b.WriteString(in.SourceText)
	}
	b.WriteString("\n\n")
	b.WriteString(task)
	b.WriteString("\nRespond with JSON of this shape:\n")
	b.WriteString(shape)
	return b.String()
}
