// Package relationship derives and persists the relationship between a
// user and a persona: affection, the stage it implies, trust and intimacy
// derived from event history, and nicknames.
//
// The calculation functions are pure. [Manager] wraps them with atomic
// read-modify-write persistence on a kv.Store.
package relationship

import "fmt"

// Stage is an ordered relationship stage.
type Stage string

const (
	StageStranger     Stage = "stranger"
	StageAcquaintance Stage = "acquaintance"
	StageFriend       Stage = "friend"
	StageClose        Stage = "close"
	StageIntimate     Stage = "intimate"
	StageLover        Stage = "lover"
)

// Stages lists every stage in ascending order.
var Stages = []Stage{
	StageStranger,
	StageAcquaintance,
	StageFriend,
	StageClose,
	StageIntimate,
	StageLover,
}

// stageFloor is the minimum affection for each stage, indexed like Stages.
var stageFloor = [...]int{0, 10, 25, 45, 65, 85}

// Affection bounds.
const (
	MinAffection = 0
	MaxAffection = 100
)

// Rank returns the stage's position in Stages, or -1 if unknown.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is at or beyond other.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= other.Rank()
}

// ParseStage parses a stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if s.Rank() < 0 {
		return "", fmt.Errorf("relationship: unknown stage %q", name)
	}
	return s, nil
}

// MinAffectionFor returns the affection floor of stage s.
func MinAffectionFor(s Stage) int {
	if r := s.Rank(); r >= 0 {
		return stageFloor[r]
	}
	return MinAffection
}

// CalculateStage maps affection to a stage. Values outside [0,100] are
// clamped first.
func CalculateStage(affection int) Stage {
	a := clamp(affection, MinAffection, MaxAffection)
	stage := StageStranger
	for i, floor := range stageFloor {
		if a >= floor {
			stage = Stages[i]
		}
	}
	return stage
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
