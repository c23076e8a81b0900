package generation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/gateway"
)

// jsonGen decodes a canned model reply into out, like the real gateway.
type jsonGen struct {
	reply string
	err   error
	req   gateway.Request
}

func (g *jsonGen) Generate(_ context.Context, req gateway.Request, out any) error {
	g.req = req
	if g.err != nil {
		return g.err
	}
	return json.Unmarshal([]byte(g.reply), out)
}

var research = &content.ResearchArtifact{
	Summary:  "Plants turn light into sugar.",
	KeyFacts: []string{"Chlorophyll absorbs light"},
}

func TestRun_Quiz(t *testing.T) {
	gen := &jsonGen{reply: `{
		"title": "Photosynthesis quiz",
		"questions": [
			{"type":"multiple-choice","question":"What absorbs light?","options":["Chlorophyll","Water","Salt"],"correctAnswer":"chlorophyll","explanation":"pigment","topic":"light"},
			{"type":"multiple-choice","question":"Orphan answer?","options":["A1","A2"],"correctAnswer":"A3"},
			{"type":"true_false","question":"Plants release oxygen.","options":["yes","no"],"correctAnswer":"True"},
			{"type":"short-answer","question":"Name the sugar.","options":["x"],"correctAnswer":"Glucose"},
			{"type":"multiple-choice","question":"  ","options":["a","b"],"correctAnswer":"a"}
		]
	}`}

	res, err := New(gen).Run(context.Background(), Input{Title: "Photosynthesis", Mode: content.ModeQuiz, Research: research})
	require.NoError(t, err)
	require.NotNil(t, res.Quiz)
	assert.Nil(t, res.Discovery)
	assert.Equal(t, content.ModeQuiz, res.Mode)

	quiz := res.Quiz
	assert.Equal(t, "Photosynthesis quiz", quiz.Title)
	require.Equal(t, 3, quiz.TotalQuestions)
	assert.Len(t, quiz.Questions, quiz.TotalQuestions)
	assert.Equal(t, 3, quiz.EstimatedTime)

	for _, q := range quiz.Questions {
		assert.NotEmpty(t, q.CorrectAnswer)
		assert.NotEmpty(t, q.ID)
		if q.Type == content.QuestionMultipleChoice {
			assert.Contains(t, q.Options, q.CorrectAnswer)
		}
	}
	assert.Equal(t, "Chlorophyll", quiz.Questions[0].CorrectAnswer)
	assert.Equal(t, content.QuestionTrueFalse, quiz.Questions[1].Type)
	assert.Equal(t, []string{"true", "false"}, quiz.Questions[1].Options)
	assert.Equal(t, "true", quiz.Questions[1].CorrectAnswer)
	assert.Nil(t, quiz.Questions[2].Options)

	assert.Equal(t, "generation.quiz", gen.req.Purpose)
	assert.Contains(t, gen.req.Prompt, "Chlorophyll absorbs light")
}

func TestRun_QuizWithNoUsableQuestionsIsMalformed(t *testing.T) {
	gen := &jsonGen{reply: `{"questions":[{"type":"multiple-choice","question":"Q","options":["a","b"],"correctAnswer":"c"}]}`}
	_, err := New(gen).Run(context.Background(), Input{Mode: content.ModeQuiz, Research: research})
	require.Error(t, err)
	assert.Equal(t, gateway.KindMalformedResponse, gateway.KindOf(err))
}

func TestRun_Discovery(t *testing.T) {
	gen := &jsonGen{reply: `{
		"title": "Light to sugar",
		"objectives": [
			{"id":"o1","title":"Light","difficulty":"leicht","prerequisites":["o1","ghost"],"estimatedMinutes":15},
			{"id":"o2","title":"Sugar","difficulty":"hard","prerequisites":["o1","o1"]},
			{"id":"o1","title":"Duplicate"}
		],
		"stations": [
			{"id":"s1","type":"explanation","objective":"o1","title":"Read","content":{"text":"..."},"unlocked":true},
			{"id":"s2","type":"dance","objective":"o1","title":"Unknown type"},
			{"id":"s3","type":"Quiz","objective":"ghost","title":"Unknown objective"},
			{"id":"s1","type":"challenge","objective":"o2","title":"Duplicate id","completed":true}
		]
	}`}

	res, err := New(gen).Run(context.Background(), Input{Title: "Photosynthesis", Mode: content.ModeDiscovery, Research: research})
	require.NoError(t, err)
	require.NotNil(t, res.Discovery)
	path := res.Discovery

	require.Len(t, path.Objectives, 2)
	require.Len(t, path.Stations, 2)

	ids := path.ObjectiveIDs()
	for _, s := range path.Stations {
		assert.True(t, ids[s.Objective], "station %s references unknown objective %s", s.ID, s.Objective)
		assert.False(t, s.Unlocked)
		assert.False(t, s.Completed)
	}
	for _, o := range path.Objectives {
		for _, p := range o.Prerequisites {
			assert.True(t, ids[p])
			assert.NotEqual(t, o.ID, p)
		}
	}

	assert.Empty(t, path.Objectives[0].Prerequisites)
	assert.Equal(t, []string{"o1"}, path.Objectives[1].Prerequisites)
	assert.Equal(t, "easy", path.Objectives[0].Difficulty)
	assert.Equal(t, defaultObjectiveMinutes, path.Objectives[1].EstimatedMinutes)
	assert.Equal(t, 15+defaultObjectiveMinutes, path.EstimatedTime)
	assert.NotEqual(t, path.Stations[0].ID, path.Stations[1].ID)
	assert.JSONEq(t, `{"text":"..."}`, string(path.Stations[0].Content))
}

func TestRun_DiscoveryWithoutStationsIsMalformed(t *testing.T) {
	gen := &jsonGen{reply: `{"objectives":[{"id":"o1","title":"Only"}],"stations":[]}`}
	_, err := New(gen).Run(context.Background(), Input{Mode: content.ModeDiscovery, Research: research})
	assert.Equal(t, gateway.KindMalformedResponse, gateway.KindOf(err))
}

func TestRun_GatewayErrorPassesThrough(t *testing.T) {
	want := gateway.NewError(gateway.KindFatal, "stub", errors.New("no key"))
	_, err := New(&jsonGen{err: want}).Run(context.Background(), Input{Mode: content.ModeQuiz, Research: research})
	assert.ErrorIs(t, err, want)
}

func TestRun_RequiresResearch(t *testing.T) {
	_, err := New(&jsonGen{}).Run(context.Background(), Input{Mode: content.ModeQuiz})
	assert.Error(t, err)
}

func TestMatchOption_Letter(t *testing.T) {
	got, ok := matchOption("b", []string{"red", "green", "blue"})
	require.True(t, ok)
	assert.Equal(t, "green", got)

	_, ok = matchOption("z", []string{"red", "green"})
	assert.False(t, ok)
}

func TestQuestionType_Inferred(t *testing.T) {
	assert.Equal(t, content.QuestionMultipleChoice, questionType("", 3))
	assert.Equal(t, content.QuestionShortAnswer, questionType("essay", 0))
	assert.Equal(t, content.QuestionTrueFalse, questionType("True False", 0))
}

func shortAnswer(id string) content.QuizQuestion {
	return content.QuizQuestion{ID: id, Type: "short-answer", Question: "Q " + id, CorrectAnswer: "A"}
}

func TestNormalizeQuiz_FallbackIDsAvoidModelIDs(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want []string
	}{
		{"blank after supplied", []string{"q2", ""}, []string{"q2", "q1"}},
		{"blank before supplied", []string{"", "q1"}, []string{"q2", "q1"}},
		{"duplicate supplied", []string{"q1", "q1", ""}, []string{"q1", "q2", "q3"}},
		{"custom ids", []string{"a", "", "b"}, []string{"a", "q1", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := &content.QuizResult{}
			for _, id := range tt.ids {
				raw.Questions = append(raw.Questions, shortAnswer(id))
			}
			quiz, _, err := NormalizeQuiz(raw, "T")
			require.NoError(t, err)

			var got []string
			for _, q := range quiz.Questions {
				got = append(got, q.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDiscovery_FallbackIDsKeepReferences(t *testing.T) {
	raw := &content.DiscoveryResult{
		Objectives: []content.Objective{
			{ID: "", Title: "Basics"},
			{ID: "obj-1", Title: "Advanced"},
			{ID: "obj-2", Title: " "},
			{ID: "", Title: "Extras"},
		},
		Stations: []content.Station{
			{ID: "", Type: "explanation", Objective: "obj-1", Title: "Advanced reading"},
			{ID: "st-1", Type: "quiz", Objective: "obj-1", Title: "Advanced check"},
			{ID: "st-9", Type: "reflection", Objective: "obj-2", Title: "Dropped objective"},
		},
	}

	path, err := NormalizeDiscovery(raw, "T")
	require.NoError(t, err)

	titles := make(map[string]string)
	for _, o := range path.Objectives {
		_, dup := titles[o.ID]
		require.False(t, dup, "objective id %s used twice", o.ID)
		titles[o.ID] = o.Title
	}
	require.Len(t, titles, 3)
	assert.Equal(t, "Advanced", titles["obj-1"])
	assert.NotContains(t, titles, "obj-2", "id of a dropped objective must not be reused")

	require.Len(t, path.Stations, 2)
	stationIDs := make(map[string]bool)
	for _, s := range path.Stations {
		assert.False(t, stationIDs[s.ID], "station id %s used twice", s.ID)
		stationIDs[s.ID] = true
		assert.Equal(t, "Advanced", titles[s.Objective], "station %q attached to the wrong objective", s.Title)
	}
	assert.True(t, stationIDs["st-1"])
}
