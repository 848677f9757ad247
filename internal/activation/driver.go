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

// Package activation implements the Activation Driver: running the
// activate-rs remote helper under the configured privilege level and
// carrying out the magic-rollback confirmation protocol described in the
// deployment core's design.
package activation

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/deployrs-go/deployrs/internal/errs"
	"github.com/deployrs-go/deployrs/internal/resolver"
	"github.com/deployrs-go/deployrs/internal/transport"
)

// Exit codes the activate-rs remote helper is contracted to return from its
// "activate" subcommand, distinguishing the three terminal states the
// driver must react to differently.
const (
	ExitActivationSuccessNoConfirm       = 0
	ExitActivationFailedRolledBack       = 1
	ExitActivationSuccessAwaitingConfirm = 2
)

// Outcome reports what the remote helper did during Activate.
type Outcome struct {
	// AwaitingConfirmation is true when magic_rollback armed a waiter and
	// the driver must now run Confirm.
	AwaitingConfirmation bool
}

// Driver drives one resolved step's activation, confirmation, and
// rollback through the shared transport pool.
type Driver struct {
	Pool  *transport.Pool
	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func New(pool *transport.Pool, clock clockwork.Clock, logger logrus.FieldLogger) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{Pool: pool, Clock: clock, Log: logger}
}

// Activate runs the preflight+activate+waiter-arming remote invocation
// described in §4.4 steps 1-3. sudoPassword may be nil. dryActivate
// propagates --dry-activate, which runs activation's simulate-only variant
// and never arms a confirmation waiter.
func (d *Driver) Activate(ctx context.Context, step resolver.Step, sudoPassword []byte, dryActivate bool) (Outcome, error) {
	eff := step.EffectiveSettings
	sshUser := *eff.SSHUser
	user := *eff.User

	magicRollback := eff.MagicRollback != nil && *eff.MagicRollback && !dryActivate
	autoRollback := eff.AutoRollback != nil && *eff.AutoRollback

	args := []string{
		"activate-rs", "activate", step.ProfilePath, step.Artifact,
		"--temp-path", *eff.TempPath,
		"--confirm-timeout", fmt.Sprint(*eff.ConfirmTimeout),
		"--magic-rollback", fmt.Sprint(magicRollback),
		"--auto-rollback", fmt.Sprint(autoRollback),
	}
	if eff.ActivationTimeout != nil {
		args = append(args, "--activation-timeout", fmt.Sprint(*eff.ActivationTimeout))
	}
	if dryActivate {
		args = append(args, "--dry-activate")
	}

	command := wrapSudo(joinArgs(args), *eff.Sudo, user, sshUser)

	entry := d.Log.WithFields(logrus.Fields{"node": step.NodeName, "profile": step.ProfileName})
	entry.Debug("activating")

	result, err := d.runPrivileged(ctx, step, command, sudoPassword)
	if err != nil {
		return Outcome{}, errs.Transport(err, "running activation helper on %s", step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Activating")
	}

	switch result.ExitCode {
	case ExitActivationSuccessNoConfirm:
		return Outcome{AwaitingConfirmation: false}, nil
	case ExitActivationSuccessAwaitingConfirm:
		return Outcome{AwaitingConfirmation: true}, nil
	case ExitActivationFailedRolledBack:
		return Outcome{}, errs.Activation(nil, "activation failed on %s, target already reverted: %s", step.Hostname, result.Stderr).
			WithFields(step.NodeName, step.ProfileName, "Activating")
	default:
		return Outcome{}, errs.Activation(nil, "activation helper on %s exited %d: %s", step.Hostname, result.ExitCode, result.Stderr).
			WithFields(step.NodeName, step.ProfileName, "Activating")
	}
}

// Confirm implements §4.4 step 4: a fresh SSH session (never the pooled,
// possibly-multiplexed one) writes the sentinel file, proving that
// whatever the activation just changed still permits a brand-new
// connection, authentication, and privilege. The confirm_timeout window is
// raced through d.Clock rather than a plain context deadline, so tests can
// drive it deterministically with a clockwork.FakeClock instead of
// depending on wall-clock time.
func (d *Driver) Confirm(ctx context.Context, step resolver.Step) error {
	eff := step.EffectiveSettings
	timeout := time.Duration(*eff.ConfirmTimeout) * time.Second

	confirmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.confirmOnce(confirmCtx, step)
	}()

	select {
	case err := <-done:
		return err
	case <-d.Clock.After(timeout):
		cancel()
		return errs.ConfirmationTimeout(nil, "confirmation window (%s) elapsed on %s, target should self-revert", timeout, step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Confirming")
	case <-ctx.Done():
		return errs.ConfirmationTimeout(ctx.Err(), "confirming activation on %s", step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Confirming")
	}
}

func (d *Driver) confirmOnce(ctx context.Context, step resolver.Step) error {
	eff := step.EffectiveSettings

	client, sess, err := d.Pool.FreshSession(ctx, step.Hostname, *eff.SSHUser, eff.SSHOpts)
	if err != nil {
		return errs.ConfirmationTimeout(err, "opening confirmation session to %s", step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Confirming")
	}
	defer client.Close()
	defer sess.Close()

	sentinel := fmt.Sprintf("%s/deploy-rs-canary-%s", *eff.TempPath, step.ProfileName)
	command := wrapSudo(fmt.Sprintf("touch %s", shellQuote(sentinel)), *eff.Sudo, *eff.User, *eff.SSHUser)

	result, err := transport.Run(sess, command, nil)
	if err != nil {
		return errs.ConfirmationTimeout(err, "writing confirmation sentinel on %s", step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Confirming")
	}
	if result.ExitCode != 0 {
		return errs.ConfirmationTimeout(nil, "writing confirmation sentinel on %s exited %d: %s", step.Hostname, result.ExitCode, result.Stderr).
			WithFields(step.NodeName, step.ProfileName, "Confirming")
	}

	return nil
}

// Rollback instructs the target to switch profilePath back to the
// generation recorded before this deployment. It is used both for the
// cross-step rollback walk (§4.5) and is otherwise handled implicitly by
// the remote helper itself during Activate/Confirm failures.
func (d *Driver) Rollback(ctx context.Context, step resolver.Step, sudoPassword []byte) error {
	eff := step.EffectiveSettings
	command := wrapSudo(
		fmt.Sprintf("activate-rs activate %s --rollback", shellQuote(step.ProfilePath)),
		*eff.Sudo, *eff.User, *eff.SSHUser)

	result, err := d.runPrivileged(ctx, step, command, sudoPassword)
	if err != nil {
		return errs.Rollback(err, "reverting %s on %s", step.ProfileName, step.Hostname).
			WithFields(step.NodeName, step.ProfileName, "Failed")
	}
	if result.ExitCode != 0 {
		return errs.Rollback(nil, "reverting %s on %s exited %d: %s", step.ProfileName, step.Hostname, result.ExitCode, result.Stderr).
			WithFields(step.NodeName, step.ProfileName, "Failed")
	}
	return nil
}

// runPrivileged opens a pooled session and runs command, allocating a PTY
// when interactive_sudo is set (so sudo can prompt on the deployer's TTY)
// or else feeding sudoPassword over a non-echoing stdin pipe.
func (d *Driver) runPrivileged(ctx context.Context, step resolver.Step, command string, sudoPassword []byte) (transport.Result, error) {
	eff := step.EffectiveSettings

	sess, err := d.Pool.Session(ctx, step.Hostname, *eff.SSHUser, eff.SSHOpts)
	if err != nil {
		return transport.Result{}, trace.Wrap(err, "opening session to %s", step.Hostname)
	}
	defer sess.Close()

	interactive := eff.InteractiveSudo != nil && *eff.InteractiveSudo
	needsSudo := *eff.User != *eff.SSHUser

	if needsSudo && interactive {
		modes := sshTerminalModes()
		if err := sess.RequestPty("xterm", 80, 40, modes); err != nil {
			return transport.Result{}, trace.Wrap(err, "allocating pty for interactive sudo on %s", step.Hostname)
		}
		return transport.Run(sess, command, nil)
	}

	if needsSudo && len(sudoPassword) > 0 {
		stdin := bytes.NewReader(append(append([]byte(nil), sudoPassword...), '\n'))
		return transport.Run(sess, command, stdin)
	}

	return transport.Run(sess, command, nil)
}

func wrapSudo(command, sudo, user, sshUser string) string {
	if user == sshUser || sudo == "" {
		return command
	}
	return fmt.Sprintf("%s %s %s", sudo, user, command)
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + shellQuote(a)
	}
	return out
}

func shellQuote(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
