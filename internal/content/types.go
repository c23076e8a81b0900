package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects the shape of the learner-facing artifact.
type Mode string

const (
	ModeQuiz      Mode = "quiz"
	ModeDiscovery Mode = "discovery"
)

// ParseMode maps user input to a Mode. Empty input defaults to quiz.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeQuiz:
		return ModeQuiz, nil
	case ModeDiscovery:
		return ModeDiscovery, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want quiz or discovery)", s)
	}
}

// ResearchArtifact is the structured knowledge extracted from the source text
// before any learner-facing content is generated.
type ResearchArtifact struct {
	Summary   string              `json:"summary"`
	KeyFacts  []string            `json:"key_facts"`
	Topics    []string            `json:"topics,omitempty"`
	Questions []CandidateQuestion `json:"questions"`
}

// CandidateQuestion is a quiz item proposed during research.
type CandidateQuestion struct {
	Question   string            `json:"question"`
	Answers    []CandidateAnswer `json:"answers"`
	Difficulty string            `json:"difficulty"`
}

type CandidateAnswer struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question types in quiz mode.
const (
	QuestionMultipleChoice = "multiple-choice"
	QuestionTrueFalse      = "true-false"
	QuestionShortAnswer    = "short-answer"
)

type QuizQuestion struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
	Topic         string   `json:"topic"`
}

// QuizResult is the flat question list produced in quiz mode.
type QuizResult struct {
	Title          string         `json:"title"`
	Questions      []QuizQuestion `json:"questions"`
	TotalQuestions int            `json:"totalQuestions"`
	EstimatedTime  int            `json:"estimatedTime"` // minutes
}

// Station types in discovery mode.
const (
	StationExplanation = "explanation"
	StationQuiz        = "quiz"
	StationSimulation  = "simulation"
	StationReflection  = "reflection"
	StationChallenge   = "challenge"
)

// StationTypes lists every accepted station type.
var StationTypes = []string{StationExplanation, StationQuiz, StationSimulation, StationReflection, StationChallenge}

// Objective is a node in the prerequisite graph of a discovery path.
type Objective struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Difficulty       string   `json:"difficulty"`
	Prerequisites    []string `json:"prerequisites"`
	EstimatedMinutes int      `json:"estimatedMinutes"`
}

// Station is one learning activity owned by exactly one objective.
// Content is type-specific and passed through untouched.
type Station struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Objective string          `json:"objective"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content,omitempty"`
	Unlocked  bool            `json:"unlocked"`
	Completed bool            `json:"completed"`
}

// DiscoveryResult is the objectives/stations structure produced in discovery mode.
type DiscoveryResult struct {
	Title         string      `json:"title"`
	Objectives    []Objective `json:"objectives"`
	Stations      []Station   `json:"stations"`
	EstimatedTime int         `json:"estimatedTime"` // minutes
}

// Result is the final learner-facing payload of a job. Exactly one of Quiz
// and Discovery is set, matching Mode.
type Result struct {
	Mode      Mode             `json:"mode"`
	Quiz      *QuizResult      `json:"quiz,omitempty"`
	Discovery *DiscoveryResult `json:"discovery,omitempty"`
}

// ObjectiveIDs returns the set of objective ids in the result.
func (d *DiscoveryResult) ObjectiveIDs() map[string]bool {
	ids := make(map[string]bool, len(d.Objectives))
	for _, o := range d.Objectives {
		ids[o.ID] = true
	}
	return ids
}
