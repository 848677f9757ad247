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

package preparer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/deployrs-go/deployrs/internal/resolver"
)

// MaxConcurrentPrepares bounds how many steps' Preparing phase (build +
// push) run at once. Activating and Confirming remain strictly sequential
// regardless of this value; only the side-effect-free preparation phase is
// safe to parallelize, per the design's explicit allowance for concurrency
// within a phase.
const MaxConcurrentPrepares = 4

// PrepareResult pairs a step with its Prepare outcome, so a caller driving
// the rest of the pipeline sequentially (Activating/Confirming) can tell
// which individual steps are ready and which failed, without one step's
// failure aborting another's independent build+push.
type PrepareResult struct {
	Step     resolver.Step
	Prepared Prepared
	Err      error
}

// PrepareAll runs Prepare for every step concurrently, bounded by
// MaxConcurrentPrepares, and returns one PrepareResult per step in the same
// order as steps. A failure preparing one step does not cancel the others:
// each step's build+push is independent until Activating, so the caller
// decides what to do with a step whose Err is non-nil.
func (p *Preparer) PrepareAll(ctx context.Context, steps []resolver.Step, extraBuildArgs []string) []PrepareResult {
	results := make([]PrepareResult, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentPrepares)

	for i, step := range steps {
		i, step := i, step
		results[i].Step = step
		g.Go(func() error {
			prepared, err := p.Prepare(gctx, step, extraBuildArgs, nil)
			results[i].Prepared = prepared
			results[i].Err = err
			return nil
		})
	}

	g.Wait()
	return results
}
