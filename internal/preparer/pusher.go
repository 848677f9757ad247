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
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/gravitational/trace"

	"github.com/deployrs-go/deployrs/internal/transport"
)

// SSHPusher pushes a built store path to the target host: a whole-closure
// `nix copy` when fast_connection is set, or a remote substitute-on-
// destination invocation otherwise, letting the target pull the closure
// from its own configured substituters. Both paths orchestrate an external
// Nix binary rather than re-implementing store-path transfer, since only
// `nix`/`nix-copy-closure` register copied paths in the target's Nix
// database; a raw file copy would leave them present but unreferenced.
type SSHPusher struct {
	Pool *transport.Pool

	// NixCommand runs an external Nix command line and returns its combined
	// stderr on failure. Overridden in tests to avoid shelling out to a
	// real nix binary.
	NixCommand func(ctx context.Context, name string, args ...string) error
}

func NewSSHPusher(pool *transport.Pool) *SSHPusher {
	return &SSHPusher{Pool: pool, NixCommand: runNixCommand}
}

func (p *SSHPusher) Push(ctx context.Context, storePath string, host RemoteCreds, fastConnection bool) error {
	if fastConnection {
		return p.pushWholeClosure(ctx, storePath, host)
	}
	return p.pushSubstituteOnDestination(ctx, storePath, host)
}

// pushWholeClosure copies storePath and its entire closure to host via
// `nix copy`, the same external tool an operator would invoke by hand. This
// both transfers the store objects and registers them in the target's Nix
// database, which a byte-for-byte file copy would not do.
func (p *SSHPusher) pushWholeClosure(ctx context.Context, storePath string, host RemoteCreds) error {
	run := p.NixCommand
	if run == nil {
		run = runNixCommand
	}

	args := []string{"copy", "--to", "ssh-ng://" + sshDestination(host), storePath}
	if err := run(ctx, "nix", args...); err != nil {
		return trace.Wrap(err, "copying %s to %s", storePath, host.Hostname)
	}
	return nil
}

func (p *SSHPusher) pushSubstituteOnDestination(ctx context.Context, storePath string, host RemoteCreds) error {
	sess, err := p.Pool.Session(ctx, host.Hostname, host.SSHUser, host.SSHOpts)
	if err != nil {
		return trace.Wrap(err, "opening push session to %s", host.Hostname)
	}
	defer sess.Close()

	cmd := fmt.Sprintf("nix-store --realise %s --option substitute true", shellQuote(storePath))
	result, err := transport.Run(sess, cmd, nil)
	if err != nil {
		return trace.Wrap(err, "realising %s on %s via substituter", storePath, host.Hostname)
	}
	if result.ExitCode != 0 {
		return trace.Errorf("remote substitute-on-destination realise of %s failed: %s", storePath, result.Stderr)
	}
	return nil
}

// sshDestination builds the user@host portion of an ssh-ng:// store URI.
// SSHOpts aren't representable in a store URI and are left to the caller's
// ssh_config, matching how nix-copy-closure/nix copy expect remote hosts to
// already be reachable via plain `ssh host`.
func sshDestination(host RemoteCreds) string {
	if host.SSHUser == "" {
		return host.Hostname
	}
	return host.SSHUser + "@" + host.Hostname
}

// runNixCommand shells out to the named Nix binary, returning its stderr
// on a non-zero exit the way the rest of this package surfaces remote
// command failures.
func runNixCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return trace.Wrap(err, "%s %s: %s", name, args, stderr.String())
	}
	return nil
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
