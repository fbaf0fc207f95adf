package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// Operation is what a plan does to its targets
type Operation string

const (
	OperationLimit   Operation = "limit"
	OperationUnlimit Operation = "unlimit"
)

// ActionKind is one step of a target plan
type ActionKind string

const (
	ActionCreateCgroup ActionKind = "create-cgroup"
	ActionWriteLimit   ActionKind = "write-limit"
	ActionMigratePID   ActionKind = "migrate-pid"
	ActionRemoveCgroup ActionKind = "remove-cgroup"
)

// Action is a single kernel-facing step, kept for display and dry runs
type Action struct {
	Kind ActionKind
	Path string
	// File and Value are set for write-limit
	File  string
	Value string
	// PID is set for migrate-pid
	PID int
	// Destination is set for migrate-pid when moving a process out
	Destination string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionWriteLimit:
		return fmt.Sprintf("%s %s/%s = %q", a.Kind, a.Path, a.File, a.Value)
	case ActionMigratePID:
		if a.Destination != "" {
			return fmt.Sprintf("%s %d -> %s", a.Kind, a.PID, a.Destination)
		}
		return fmt.Sprintf("%s %d -> %s", a.Kind, a.PID, a.Path)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	}
}

// TargetPlan is the group of actions for one process
type TargetPlan struct {
	Target      process.Target
	CgroupPath  string
	Limits      resourcelimits.LimitSpec
	ProfileName string
	Actions     []Action
	// Entry is the registry record an unlimit plan releases, if any
	Entry *registry.ManagedEntry
}

// NoOp reports whether executing the target changes nothing
func (t TargetPlan) NoOp() bool {
	return len(t.Actions) == 0
}

// Plan is the ordered, per-target action list of one request
type Plan struct {
	Operation            Operation
	Selector             process.Selector
	Targets              []TargetPlan
	DryRun               bool
	RequiresConfirmation bool
}

// Summary identifies the targets of a plan for confirmation prompts
type Summary struct {
	Operation Operation
	Count     int
	Targets   []process.Target
}

func (p *Plan) Summary() Summary {
	s := Summary{Operation: p.Operation, Count: len(p.Targets)}
	for _, t := range p.Targets {
		s.Targets = append(s.Targets, t.Target)
	}
	return s
}

func (s Summary) String() string {
	parts := make([]string, 0, len(s.Targets))
	for _, t := range s.Targets {
		parts = append(parts, strconv.Itoa(t.PID)+" ("+t.Name+")")
	}
	return fmt.Sprintf("%s would affect %d processes: %s", s.Operation, s.Count, strings.Join(parts, ", "))
}
