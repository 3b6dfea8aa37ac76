// Package graph models the ordered phases of one process type and the
// direction rules for moving an instance between them.
package graph

import (
	"fmt"

	"github.com/Yaduri/workflow-system/model"
)

// Direction of a transition relative to phase order.
type Direction int

// Transition directions.
const (
	Same Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	}
	return "same"
}

// PhaseSource supplies the ordered phases of a process type.
type PhaseSource interface {
	Phases(typeID string) []model.Phase
}

// Graph is the ordered phase set of a single process type.
type Graph struct {
	typeID string
	phases []model.Phase
	index  map[string]int
}

// New builds the graph for typeID. Phases are expected in ascending order.
func New(typeID string, phases []model.Phase) *Graph {
	g := &Graph{typeID: typeID, phases: phases, index: make(map[string]int, len(phases))}
	for i, p := range phases {
		g.index[p.ID] = i
	}
	return g
}

// ForType builds the graph of typeID from src.
func ForType(src PhaseSource, typeID string) *Graph {
	return New(typeID, src.Phases(typeID))
}

// TypeID returns the process type the graph belongs to.
func (g *Graph) TypeID() string { return g.typeID }

// Phases returns the phases in order.
func (g *Graph) Phases() []model.Phase { return g.phases }

// Phase looks up a phase of this type.
func (g *Graph) Phase(id string) (model.Phase, bool) {
	i, ok := g.index[id]
	if !ok {
		return model.Phase{}, false
	}
	return g.phases[i], true
}

// Contains reports whether phase belongs to this type.
func (g *Graph) Contains(phase model.Phase) bool {
	return phase.TypeID == g.typeID
}

// Initial returns the unique initial phase. Zero or several phases flagged
// initial is a configuration defect and yields CONFIGURATION_ERROR.
func (g *Graph) Initial() (model.Phase, error) {
	var found []model.Phase
	for _, p := range g.phases {
		if p.Initial {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return model.Phase{}, model.NewConfigurationError(
			fmt.Sprintf("process type %q has no initial phase", g.typeID))
	default:
		return model.Phase{}, model.NewConfigurationError(
			fmt.Sprintf("process type %q has %d initial phases, expected exactly one", g.typeID, len(found)))
	}
}

// DirectionOf classifies a move from current to target by phase order.
func DirectionOf(current, target model.Phase) Direction {
	switch {
	case target.Order > current.Order:
		return Forward
	case target.Order < current.Order:
		return Backward
	}
	return Same
}

// DirectionAllowed reports whether current permits leaving it towards
// target. The flags of the phase being left decide; the target's flags are
// irrelevant.
func DirectionAllowed(current, target model.Phase) bool {
	switch DirectionOf(current, target) {
	case Forward:
		return current.CanAdvance
	case Backward:
		return current.CanRetreat
	}
	return true
}

// Candidates returns, in order, every phase other than current that the
// direction flags of current allow moving to.
func (g *Graph) Candidates(current model.Phase) []model.Phase {
	out := make([]model.Phase, 0, len(g.phases))
	for _, p := range g.phases {
		if p.ID == current.ID {
			continue
		}
		if !DirectionAllowed(current, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
