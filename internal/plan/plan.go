/*
Copyright 2024 The Deployrs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package plan implements the Deployment Planner & Executor: driving the
// resolver's ordered step list through Preparing, Pushing, Activating, and
// Confirming, and performing scoped rollback of already-Done steps when a
// later step fails.
package plan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deployrs-go/deployrs/internal/activation"
	"github.com/deployrs-go/deployrs/internal/errs"
	"github.com/deployrs-go/deployrs/internal/preparer"
	"github.com/deployrs-go/deployrs/internal/resolver"
	"github.com/deployrs-go/deployrs/internal/secrets"
)

// Phase is one of the states a step's deployment passes through.
type Phase string

const (
	PhaseInitial    Phase = "Initial"
	PhasePreparing  Phase = "Preparing"
	PhasePushing    Phase = "Pushing"
	PhaseActivating Phase = "Activating"
	PhaseConfirming Phase = "Confirming"
	PhaseDone       Phase = "Done"
	PhaseFailed     Phase = "Failed"
)

// StatusRecord is the structured per-step report the Executor emits; it is
// the only cross-step state exposed to the CLI layer.
type StatusRecord struct {
	RunID       string
	NodeName    string
	ProfileName string
	Phase       Phase
	Outcome     string
	Duration    time.Duration
	Diagnostic  string
}

// Options controls rollback policy and dry-run behavior for an Executor run.
type Options struct {
	RollbackSucceeded bool // default true, see --rollback-succeeded
	DryActivate       bool
	ExtraBuildArgs    []string
}

// Executor drives an ordered step list to completion.
type Executor struct {
	Preparer *preparer.Preparer
	Driver   *activation.Driver
	Log      logrus.FieldLogger
	runID    string
}

func NewExecutor(p *preparer.Preparer, d *activation.Driver, logger logrus.FieldLogger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{Preparer: p, Driver: d, Log: logger, runID: uuid.NewString()}
}

// stepState tracks what an Executor has done to one step, so the rollback
// walk knows which already-Done steps to revert.
type stepState struct {
	step         resolver.Step
	phase        Phase
	sudoPassword []byte
	activated    bool // true once Activate has run, regardless of outcome
}

// Run prepares every step's build+push concurrently (independent until
// Activating, per preparer.PrepareAll), then drives Activating/Confirming
// for each step in strict sequential order and, on failure, walks
// already-Done steps in reverse for scoped rollback.
func (e *Executor) Run(ctx context.Context, steps []resolver.Step, opts Options) ([]StatusRecord, error) {
	states := make([]stepState, len(steps))
	for i, step := range steps {
		states[i].step = step
	}

	prepResults := e.Preparer.PrepareAll(ctx, steps, opts.ExtraBuildArgs)

	records := make([]StatusRecord, 0, len(steps))
	var failed bool

	for i, step := range steps {
		start := time.Now()

		record, err := e.runStep(ctx, &states[i], prepResults[i], opts)
		record.Duration = time.Now().Sub(start)
		records = append(records, record)

		if err != nil {
			failed = true
			e.Log.WithFields(logrus.Fields{
				"node": step.NodeName, "profile": step.ProfileName, "run_id": e.runID,
			}).WithError(err).Error("step failed")
			break
		}

		lastForHost := true
		for _, later := range steps[i+1:] {
			if later.Hostname == step.Hostname && *later.EffectiveSettings.SSHUser == *step.EffectiveSettings.SSHUser {
				lastForHost = false
				break
			}
		}
		if lastForHost && e.Driver != nil && e.Driver.Pool != nil {
			e.Driver.Pool.CloseHost(step.Hostname, *step.EffectiveSettings.SSHUser)
		}
	}

	if failed && opts.RollbackSucceeded {
		rollbackRecords := e.rollbackDone(ctx, states)
		records = append(records, rollbackRecords...)
	}

	for i := range states {
		secrets.Zero(states[i].sudoPassword)
	}

	if failed {
		return records, errs.Rollback(nil, "deployment run %s failed", e.runID)
	}
	return records, nil
}

// runStep drives step's Activating/Confirming from an already-computed
// PrepareResult; Preparing (build+push) has already run, concurrently with
// every other step's, in Run's call to PrepareAll.
func (e *Executor) runStep(ctx context.Context, st *stepState, prep preparer.PrepareResult, opts Options) (StatusRecord, error) {
	step := st.step
	record := StatusRecord{RunID: e.runID, NodeName: step.NodeName, ProfileName: step.ProfileName}

	if prep.Err != nil {
		st.phase = PhasePreparing
		record.Outcome = "build failed"
		if kind, ok := errs.KindOf(prep.Err); ok && kind == errs.KindPush {
			st.phase = PhasePushing
			record.Outcome = "push failed"
		}
		record.Phase = PhaseFailed
		record.Diagnostic = prep.Err.Error()
		return record, prep.Err
	}
	prepared := prep.Prepared
	st.sudoPassword = prepared.SudoPassword

	st.phase = PhaseActivating
	st.activated = true
	outcome, err := e.Driver.Activate(ctx, withArtifact(step, prepared.StorePath), st.sudoPassword, opts.DryActivate)
	if err != nil {
		record.Phase = PhaseFailed
		record.Outcome = "activation failed"
		record.Diagnostic = err.Error()
		return record, err
	}

	if outcome.AwaitingConfirmation {
		st.phase = PhaseConfirming
		if err := e.Driver.Confirm(ctx, step); err != nil {
			record.Phase = PhaseFailed
			record.Outcome = "confirmation timed out, target self-reverted"
			record.Diagnostic = err.Error()
			return record, err
		}
	}

	st.phase = PhaseDone
	record.Phase = PhaseDone
	record.Outcome = "confirmed"
	return record, nil
}

// rollbackDone walks already-Done steps in reverse order, instructing the
// target to switch each profile slot back to its pre-deployment generation.
func (e *Executor) rollbackDone(ctx context.Context, states []stepState) []StatusRecord {
	var records []StatusRecord
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		if st.phase != PhaseDone {
			continue
		}
		record := StatusRecord{RunID: e.runID, NodeName: st.step.NodeName, ProfileName: st.step.ProfileName, Phase: PhaseFailed}
		if err := e.Driver.Rollback(ctx, st.step, st.sudoPassword); err != nil {
			record.Outcome = "rollback failed"
			record.Diagnostic = err.Error()
		} else {
			record.Outcome = "rolled back"
		}
		records = append(records, record)
	}
	return records
}

func withArtifact(step resolver.Step, storePath string) resolver.Step {
	step.Artifact = storePath
	return step
}
