// Package balancer picks the least loaded healthy media server of a pool.
package balancer

import (
	"sort"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

// Weights scale each usage counter before normalising by server strength.
type Weights struct {
	Video       float64
	Voice       float64
	Participant float64
}

func DefaultWeights() Weights {
	return Weights{Video: 3, Voice: 2, Participant: 1}
}

// Score is the weighted load of a server divided by its strength. Unknown
// usage counts as idle.
func Score(s model.Server, w Weights) float64 {
	strength := s.Strength
	if strength < 1 {
		strength = 1
	}
	if s.Usage == nil {
		return 0
	}
	u := s.Usage
	load := float64(u.VideoCount)*w.Video +
		float64(u.VoiceParticipantCount)*w.Voice +
		float64(u.ParticipantCount-u.VoiceParticipantCount)*w.Participant
	return load / float64(strength)
}

type Candidate struct {
	Server model.Server
	Score  float64
}

// Rank returns the online servers ordered by score, ties kept in input order.
func Rank(servers []model.Server, w Weights) []Candidate {
	out := make([]Candidate, 0, len(servers))
	for _, s := range servers {
		if s.Health != model.HealthOnline {
			continue
		}
		out = append(out, Candidate{Server: s, Score: Score(s, w)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// SelectServer returns the online server with the lowest score. The boolean
// is false when no server in the list is online.
func SelectServer(servers []model.Server, w Weights) (model.Server, bool) {
	var best model.Server
	bestScore := 0.0
	found := false
	for _, s := range servers {
		if s.Health != model.HealthOnline {
			continue
		}
		score := Score(s, w)
		if !found || score < bestScore {
			best, bestScore, found = s, score, true
		}
	}
	return best, found
}
