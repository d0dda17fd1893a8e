package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Target states. A target moves pending -> in_progress -> {completed,
// failed}, or pending -> skipped when its run is aborted or cancelled.
// LoadRolloutRun puts a target left in_progress back to pending.
const (
	TargetPending    = "pending"
	TargetInProgress = "in_progress"
	TargetCompleted  = "completed"
	TargetFailed     = "failed"
	TargetSkipped    = "skipped"
)

// Run states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunPaused    = "paused"
	RunAborted   = "aborted"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RolloutTarget is one router within a stage.
type RolloutTarget struct {
	Router string `json:"router"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// RolloutStage groups targets applied together, bounded by MaxParallel.
type RolloutStage struct {
	Name        string          `json:"name"`
	MaxParallel int             `json:"max_parallel"`
	Targets     []RolloutTarget `json:"targets"`
}

// RolloutEvent is an append-only record of run progress.
type RolloutEvent struct {
	Timestamp time.Time `json:"ts"`
	Stage     string    `json:"stage,omitempty"`
	Router    string    `json:"router,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// RolloutRun is a durable staged-apply plan: ordered stages, each owning
// its targets, with an append-only event trail.
type RolloutRun struct {
	mu sync.Mutex

	ID     string         `json:"id"`
	State  string         `json:"state"`
	Stages []RolloutStage `json:"stages"`
	Events []RolloutEvent `json:"events"`

	paused  bool
	aborted bool
}

// NewRolloutRun builds a pending run over the given stages.
func NewRolloutRun(id string, stages []RolloutStage) *RolloutRun {
	for si := range stages {
		if stages[si].MaxParallel < 1 {
			stages[si].MaxParallel = 1
		}
		for ti := range stages[si].Targets {
			stages[si].Targets[ti].State = TargetPending
		}
	}
	return &RolloutRun{ID: id, State: RunPending, Stages: stages}
}

// Pause stops the run before the next stage; in-flight targets finish.
func (r *RolloutRun) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.appendEvent(RolloutEvent{Event: "run.paused"})
}

// Abort cancels the run; subsequent stages are short-circuited and their
// targets marked skipped.
func (r *RolloutRun) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	r.appendEvent(RolloutEvent{Event: "run.aborted"})
}

// appendEvent requires r.mu held.
func (r *RolloutRun) appendEvent(ev RolloutEvent) {
	ev.Timestamp = time.Now().UTC()
	r.Events = append(r.Events, ev)
}

func (r *RolloutRun) setTargetState(si, ti int, state, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &r.Stages[si].Targets[ti]
	t.State = state
	t.Detail = detail
	r.appendEvent(RolloutEvent{
		Stage:  r.Stages[si].Name,
		Router: t.Router,
		Event:  "target." + state,
		Detail: detail,
	})
}

func (r *RolloutRun) interrupted() (paused, aborted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused, r.aborted
}

func (r *RolloutRun) targetState(si, ti int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stages[si].Targets[ti].State
}

// ApplyFunc applies to one router and reports the failure, if any.
type ApplyFunc func(ctx context.Context, router string) error

// Execute runs stages in order. Within a stage targets apply in parallel
// up to the stage limit; a stage completes only when every target reaches
// a terminal state. Pause and abort take effect between stages. Targets
// already terminal (a reloaded plan from an earlier run) are left alone,
// so executing a saved run resumes where it stopped.
func (r *RolloutRun) Execute(ctx context.Context, apply ApplyFunc) error {
	r.mu.Lock()
	r.State = RunRunning
	r.appendEvent(RolloutEvent{Event: "run.started"})
	r.mu.Unlock()

	anyFailed := false

	for si := range r.Stages {
		paused, aborted := r.interrupted()
		if aborted || ctx.Err() != nil {
			r.skipRemaining(si, "run aborted")
			r.finish(RunAborted)
			return fmt.Errorf("rollout %s aborted", r.ID)
		}
		if paused {
			r.finish(RunPaused)
			return nil
		}

		stage := &r.Stages[si]
		r.mu.Lock()
		r.appendEvent(RolloutEvent{Stage: stage.Name, Event: "stage.started"})
		r.mu.Unlock()

		g, stageCtx := errgroup.WithContext(ctx)
		g.SetLimit(stage.MaxParallel)
		for ti := range stage.Targets {
			si, ti := si, ti
			g.Go(func() error {
				if r.targetState(si, ti) != TargetPending {
					return nil
				}
				if stageCtx.Err() != nil {
					r.setTargetState(si, ti, TargetSkipped, "cancelled")
					return nil
				}
				r.setTargetState(si, ti, TargetInProgress, "")
				if err := apply(stageCtx, r.Stages[si].Targets[ti].Router); err != nil {
					r.setTargetState(si, ti, TargetFailed, err.Error())
					return nil
				}
				r.setTargetState(si, ti, TargetCompleted, "")
				return nil
			})
		}
		g.Wait()

		for _, t := range stage.Targets {
			if t.State == TargetFailed {
				anyFailed = true
			}
		}

		r.mu.Lock()
		r.appendEvent(RolloutEvent{Stage: stage.Name, Event: "stage.finished"})
		r.mu.Unlock()
	}

	if anyFailed {
		r.finish(RunFailed)
		return fmt.Errorf("rollout %s finished with failed targets", r.ID)
	}
	r.finish(RunCompleted)
	return nil
}

func (r *RolloutRun) skipRemaining(fromStage int, reason string) {
	for si := fromStage; si < len(r.Stages); si++ {
		for ti := range r.Stages[si].Targets {
			if r.Stages[si].Targets[ti].State == TargetPending {
				r.setTargetState(si, ti, TargetSkipped, reason)
			}
		}
	}
}

func (r *RolloutRun) finish(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = state
	r.appendEvent(RolloutEvent{Event: "run." + state})
}

// Save persists the run plan and trail as JSON.
func (r *RolloutRun) Save(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rollout run: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadRolloutRun restores a saved run. Targets left in_progress by an
// interrupted process go back to pending so Execute retries them.
func LoadRolloutRun(path string) (*RolloutRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rollout run: %w", err)
	}
	var r RolloutRun
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing rollout run: %w", err)
	}
	for si := range r.Stages {
		for ti := range r.Stages[si].Targets {
			if r.Stages[si].Targets[ti].State == TargetInProgress {
				r.Stages[si].Targets[ti].State = TargetPending
			}
		}
	}
	return &r, nil
}
