package generation

import (
	"errors"
	"slices"
	"strings"

	"github.com/kalambet/lernpfad/internal/content"
)

const defaultObjectiveMinutes = 10

// NormalizeDiscovery makes a discovery path referentially consistent: every
// station belongs to a known objective, prerequisites only name other known
// objectives, station types are from the accepted set and every station
// starts locked and incomplete. Prerequisite cycles are not checked.
func NormalizeDiscovery(raw *content.DiscoveryResult, title string) (*content.DiscoveryResult, error) {
	out := &content.DiscoveryResult{Title: strings.TrimSpace(raw.Title)}
	if out.Title == "" {
		out.Title = strings.TrimSpace(title)
	}

	supplied := make([]string, 0, len(raw.Objectives))
	for _, o := range raw.Objectives {
		supplied = append(supplied, o.ID)
	}
	objectiveIDs := newIDPool("obj-", supplied)

	known := make(map[string]bool)
	for _, o := range raw.Objectives {
		o.ID = strings.TrimSpace(o.ID)
		o.Title = strings.TrimSpace(o.Title)
		if o.Title == "" {
			continue
		}
		if o.ID == "" {
			o.ID = objectiveIDs.next()
		}
		if known[o.ID] {
			continue
		}
		known[o.ID] = true
		o.Difficulty = content.NormalizeDifficulty(o.Difficulty)
		if o.EstimatedMinutes <= 0 {
			o.EstimatedMinutes = defaultObjectiveMinutes
		}
		out.Objectives = append(out.Objectives, o)
	}
	if len(out.Objectives) == 0 {
		return nil, errors.New("model returned no objectives")
	}

	for i := range out.Objectives {
		o := &out.Objectives[i]
		prereqs := []string{}
		for _, p := range o.Prerequisites {
			p = strings.TrimSpace(p)
			if p == o.ID || !known[p] || slices.Contains(prereqs, p) {
				continue
			}
			prereqs = append(prereqs, p)
		}
		o.Prerequisites = prereqs
		out.EstimatedTime += o.EstimatedMinutes
	}

	supplied = supplied[:0]
	for _, s := range raw.Stations {
		supplied = append(supplied, s.ID)
	}
	stationIDs := newIDPool("st-", supplied)

	seen := make(map[string]bool)
	for _, s := range raw.Stations {
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		s.Objective = strings.TrimSpace(s.Objective)
		if !slices.Contains(content.StationTypes, s.Type) || !known[s.Objective] {
			continue
		}
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" || seen[s.ID] {
			s.ID = stationIDs.next()
		}
		seen[s.ID] = true
		s.Title = strings.TrimSpace(s.Title)
		s.Unlocked = false
		s.Completed = false
		out.Stations = append(out.Stations, s)
	}
	if len(out.Stations) == 0 {
		return nil, errors.New("model returned no usable stations")
	}
	return out, nil
}
