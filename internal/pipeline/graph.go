// Package pipeline composes individual job types into declarative step
// graphs and drives them from completion events.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lavendersentinel/paperline/internal/job"
)

// Pipeline type names accepted by StartPipeline.
const (
	TypeFavorite    = "favorite"
	TypeDailyIngest = "daily_ingest"
)

// ErrUnknownPipeline is returned for pipeline types with no step graph.
var ErrUnknownPipeline = errors.New("unknown pipeline type")

// NodeKind discriminates the node variants of a step graph.
type NodeKind string

const (
	KindStep  NodeKind = "step"
	KindChain NodeKind = "chain"
	KindGroup NodeKind = "group"
)

// Node is one element of a declarative step graph. A step names a job type;
// a chain orders its children; a group runs its children independently.
type Node struct {
	Kind  NodeKind `json:"kind"`
	Type  job.Type `json:"type,omitempty"`
	Nodes []Node   `json:"nodes,omitempty"`
}

// Step builds a leaf node for a single job type.
func Step(t job.Type) Node {
	return Node{Kind: KindStep, Type: t}
}

// Chain builds a sequential composition: each child starts only after the
// previous one completed.
func Chain(nodes ...Node) Node {
	return Node{Kind: KindChain, Nodes: nodes}
}

// Group builds a parallel composition: all children are enqueued together
// and the group is satisfied when every child completed.
func Group(nodes ...Node) Node {
	return Node{Kind: KindGroup, Nodes: nodes}
}

// GraphFor returns the step graph for a pipeline type.
func GraphFor(pipelineType string) (Node, error) {
	switch pipelineType {
	case TypeFavorite:
		return Chain(
			Step(job.TypeDownloadPDF),
			Group(
				Step(job.TypeGenerateSummary),
				Step(job.TypeGenerateComic),
			),
		), nil
	case TypeDailyIngest:
		return Chain(Step(job.TypeFetchArxiv)), nil
	default:
		return Node{}, fmt.Errorf("%w %q", ErrUnknownPipeline, pipelineType)
	}
}

// EncodeGraph serializes a graph for persistence on the pipeline run.
func EncodeGraph(n Node) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to encode step graph: %w", err)
	}
	return string(data), nil
}

// DecodeGraph parses a persisted step graph.
func DecodeGraph(data string) (Node, error) {
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return Node{}, fmt.Errorf("failed to decode step graph: %w", err)
	}
	return n, nil
}

// NodeState is the evaluated state of a graph node given the job statuses of
// its run.
type NodeState string

const (
	// StateNotStarted means no job record exists yet for any step below
	// this node.
	StateNotStarted NodeState = "not_started"
	// StateInFlight means at least one step below this node is still
	// pending, leased, running, or awaiting a retry decision.
	StateInFlight NodeState = "in_flight"
	// StateCompleted means every required step below this node completed.
	StateCompleted NodeState = "completed"
	// StateFailed means a step below this node is dead and nothing under
	// this node is still in flight.
	StateFailed NodeState = "failed"
)

// Evaluation is the result of interpreting a graph against the statuses of
// its run's job records.
type Evaluation struct {
	State NodeState
	// Ready lists the step types that should be enqueued now.
	Ready []job.Type
}

// Evaluate interprets the graph. statuses maps each job type that has a
// record in the run to that record's current status.
//
// Chain: a child becomes ready only when all previous children completed; a
// dead predecessor blocks everything after it. Group: all children become
// ready together; once any member is dead no new members are enqueued, but
// in-flight members drain to a terminal state before the group reports
// failed.
func Evaluate(n Node, statuses map[job.Type]job.Status) Evaluation {
	switch n.Kind {
	case KindStep:
		status, ok := statuses[n.Type]
		if !ok {
			return Evaluation{State: StateNotStarted, Ready: []job.Type{n.Type}}
		}
		switch {
		case status == job.StatusCompleted:
			return Evaluation{State: StateCompleted}
		case status == job.StatusDead:
			return Evaluation{State: StateFailed}
		default:
			return Evaluation{State: StateInFlight}
		}

	case KindChain:
		for _, child := range n.Nodes {
			ev := Evaluate(child, statuses)
			switch ev.State {
			case StateCompleted:
				continue
			case StateFailed:
				// Dependent steps are never enqueued.
				return Evaluation{State: StateFailed}
			default:
				return Evaluation{State: StateInFlight, Ready: ev.Ready}
			}
		}
		return Evaluation{State: StateCompleted}

	case KindGroup:
		var (
			ready        []job.Type
			anyFailed    bool
			anyRunning   bool
			anyUnstarted bool
		)
		for _, child := range n.Nodes {
			ev := Evaluate(child, statuses)
			switch ev.State {
			case StateFailed:
				anyFailed = true
			case StateInFlight:
				anyRunning = true
			case StateNotStarted:
				anyUnstarted = true
				ready = append(ready, ev.Ready...)
			}
		}
		if anyFailed {
			if anyRunning {
				// Siblings already running are left to finish.
				return Evaluation{State: StateInFlight}
			}
			return Evaluation{State: StateFailed}
		}
		if anyRunning || anyUnstarted {
			return Evaluation{State: StateInFlight, Ready: ready}
		}
		return Evaluation{State: StateCompleted}
	}

	return Evaluation{State: StateCompleted}
}
