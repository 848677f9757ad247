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

// Package preparer implements the Artifact Preparer: building the closure
// for a resolved step (locally or on the target), pushing it to the target
// host, and fetching any sudo secret material the subsequent activation
// will need.
package preparer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deployrs-go/deployrs/internal/errs"
	"github.com/deployrs-go/deployrs/internal/resolver"
	"github.com/deployrs-go/deployrs/internal/secrets"
)

// RemoteCreds is the addressing and auth information a Builder/Pusher needs
// to reach the target host.
type RemoteCreds struct {
	Hostname string
	SSHUser  string
	SSHOpts  []string
}

// Builder realizes an artifact reference into a concrete store path.
type Builder interface {
	Build(ctx context.Context, artifactRef string, remote bool, host RemoteCreds, extraArgs []string) (storePath string, err error)
}

// Pusher transfers a built store path's closure to the target host.
type Pusher interface {
	Push(ctx context.Context, storePath string, host RemoteCreds, fastConnection bool) error
}

// Prepared is the outcome of successfully preparing one step.
type Prepared struct {
	StorePath    string
	SudoPassword []byte // nil if the step has no sudo_file/sudo_secret configured
}

// Preparer wires together the build and push phases and, when configured,
// the sudo secret fetch, for a single resolved step.
type Preparer struct {
	Builder Builder
	Pusher  Pusher
	Secrets *secrets.Fetcher
	Prompt  PasswordPrompter // optional; falls back to passwordless sudo if nil or non-interactive
	Log     logrus.FieldLogger
}

// New returns a Preparer using the given collaborators. secretFetcher may
// be nil if no step in this invocation uses sudo_file/sudo_secret.
func New(builder Builder, pusher Pusher, secretFetcher *secrets.Fetcher, logger logrus.FieldLogger) *Preparer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Preparer{Builder: builder, Pusher: pusher, Secrets: secretFetcher, Prompt: NewTerminalPrompter(), Log: logger}
}

// PhaseFunc is notified as Prepare moves between its build and push
// sub-phases, so a caller tracking per-step status can reflect "Pushing"
// rather than a stale "Preparing" while the closure is in flight. A nil
// PhaseFunc is a valid no-op; PrepareAll passes nil.
type PhaseFunc func(phase string)

// Prepare builds and pushes the artifact for step, and resolves its sudo
// password if configured. No remote activation state is mutated here: a
// failure at this phase leaves the target untouched, per §4.3's error
// contract. onPhase, if non-nil, is called with "Preparing" before the
// build starts and "Pushing" before the push starts.
func (p *Preparer) Prepare(ctx context.Context, step resolver.Step, extraBuildArgs []string, onPhase PhaseFunc) (Prepared, error) {
	if onPhase == nil {
		onPhase = func(string) {}
	}

	eff := step.EffectiveSettings
	creds := RemoteCreds{
		Hostname: step.Hostname,
		SSHUser:  *eff.SSHUser,
		SSHOpts:  eff.SSHOpts,
	}

	remoteBuild := eff.RemoteBuild != nil && *eff.RemoteBuild
	entry := p.Log.WithFields(logrus.Fields{"node": step.NodeName, "profile": step.ProfileName})

	onPhase("Preparing")
	entry.Debug("building artifact")
	storePath, err := p.Builder.Build(ctx, step.Artifact, remoteBuild, creds, extraBuildArgs)
	if err != nil {
		return Prepared{}, errs.Build(err, "building %s", step.Artifact).WithFields(step.NodeName, step.ProfileName, "Preparing")
	}

	if !remoteBuild {
		fast := eff.FastConnection != nil && *eff.FastConnection
		onPhase("Pushing")
		entry.WithField("fast_connection", fast).Debug("pushing closure")
		if err := p.Pusher.Push(ctx, storePath, creds, fast); err != nil {
			return Prepared{}, errs.Push(err, "pushing %s to %s", storePath, creds.Hostname).WithFields(step.NodeName, step.ProfileName, "Pushing")
		}
	}

	result := Prepared{StorePath: storePath}

	needsSudo := eff.Sudo != nil && eff.User != nil && *eff.User != creds.SSHUser
	interactive := eff.InteractiveSudo != nil && *eff.InteractiveSudo

	switch {
	case eff.SudoFile != nil && eff.SudoSecret != nil && p.Secrets != nil:
		pw, err := p.Secrets.Password(ctx, *eff.SudoFile, *eff.SudoSecret)
		if err != nil {
			return Prepared{}, errs.Push(err, "fetching sudo secret").WithFields(step.NodeName, step.ProfileName, "Preparing")
		}
		result.SudoPassword = pw
	case needsSudo && !interactive && p.Prompt != nil:
		// No sudo_file configured and the remote PTY prompt isn't in play:
		// ask once at the local terminal, or fall through to passwordless
		// sudo if stdin isn't interactive.
		pw, err := p.Prompt.Prompt(fmt.Sprintf("sudo password for %s@%s", *eff.User, creds.Hostname))
		if err != nil {
			return Prepared{}, errs.Push(err, "reading sudo password").WithFields(step.NodeName, step.ProfileName, "Preparing")
		}
		result.SudoPassword = pw
	}

	return result, nil
}
