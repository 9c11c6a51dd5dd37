package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// ErrStageNotRegistered is returned when a route names a stage the
// registry has no implementation for.
var ErrStageNotRegistered = errors.New("stage not registered")

// Route is the chain and default priority of an event type.
type Route struct {
	EventType contracts.EventType
	Stages    []StageName
	Priority  int
}

// PriorityFor returns the envelope's own priority when set, else the
// route's.
func (r Route) PriorityFor(env contracts.EventEnvelope) int {
	if env.Priority != 0 {
		return env.Priority
	}
	return r.Priority
}

var fullChain = []StageName{StageClassify, StageMatch, StageGate, StageResolve, StageWriteback}

var routes = map[contracts.EventType]Route{
	contracts.EventFactoryComplaintClosed: {Stages: []StageName{StageCascade}, Priority: 1},
	contracts.EventComplaintCreated:       {Stages: fullChain, Priority: 2},
	contracts.EventLinkedClosureRequested: {Stages: fullChain, Priority: 3},
	contracts.EventComplaintUpdated:       {Stages: fullChain, Priority: 4},
	contracts.EventCaseCreated:            {Stages: fullChain, Priority: 4},
	contracts.EventInquiryCreated:         {Stages: fullChain, Priority: 5},
	contracts.EventCaseUpdated:            {Stages: fullChain, Priority: 6},
	contracts.EventComplaintClosed:        {Stages: []StageName{StageClosure}, Priority: 6},
	contracts.EventInquiryClosed:          {Stages: []StageName{StageClosure}, Priority: 7},
	contracts.EventCaseClosed:             {Stages: []StageName{StageClosure}, Priority: 7},
}

// Lookup returns the route of t.
func Lookup(t contracts.EventType) (Route, error) {
	r, ok := routes[t]
	if !ok {
		return Route{}, &contracts.UnknownEventTypeError{EventType: string(t), Valid: EventTypes()}
	}
	r.EventType = t
	r.Stages = append([]StageName(nil), r.Stages...)
	return r, nil
}

// EventTypes lists every routable event type, sorted.
func EventTypes() []contracts.EventType {
	out := make([]contracts.EventType, 0, len(routes))
	for t := range routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry maps stage names to implementations.
type Registry struct {
	stages map[StageName]Stage
}

// NewRegistry registers stages by name. A later stage with the same name
// replaces an earlier one.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[StageName]Stage, len(stages))}
	for _, s := range stages {
		r.stages[s.Name()] = s
	}
	return r
}

// Stage returns the implementation of name.
func (r *Registry) Stage(name StageName) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotRegistered, name)
	}
	return s, nil
}

// Chain resolves the stages of t's route.
func (r *Registry) Chain(t contracts.EventType) ([]Stage, Route, error) {
	route, err := Lookup(t)
	if err != nil {
		return nil, Route{}, err
	}
	chain := make([]Stage, len(route.Stages))
	for i, name := range route.Stages {
		s, err := r.Stage(name)
		if err != nil {
			return nil, Route{}, err
		}
		chain[i] = s
	}
	return chain, route, nil
}

// Validate checks that every routed stage is registered.
func (r *Registry) Validate() error {
	var errs []error
	seen := map[StageName]bool{}
	for _, t := range EventTypes() {
		for _, name := range routes[t].Stages {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, err := r.Stage(name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
