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
	"strings"

	"github.com/gravitational/trace"
)

// ExecBuilder shells out to the external build/evaluation tool, the way
// the teacher's openssh config generator wraps an external binary via
// exec.CommandContext rather than reimplementing it in-process.
type ExecBuilder struct {
	// Binary is the build tool executable, e.g. "nix".
	Binary string
}

func NewExecBuilder(binary string) *ExecBuilder {
	if binary == "" {
		binary = "nix"
	}
	return &ExecBuilder{Binary: binary}
}

func (b *ExecBuilder) Build(ctx context.Context, artifactRef string, remote bool, host RemoteCreds, extraArgs []string) (string, error) {
	args := []string{"build", artifactRef, "--no-link", "--print-out-paths"}

	if remote {
		store := fmt.Sprintf("ssh-ng://%s@%s", host.SSHUser, host.Hostname)
		args = append(args, "--store", store, "--eval-store", "auto")
		if len(host.SSHOpts) > 0 {
			args = append(args, "--option", "ssh-opts", strings.Join(host.SSHOpts, " "))
		}
	}

	args = append(args, extraArgs...)

	cmd := exec.CommandContext(ctx, b.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", trace.Wrap(err, "building %s: %s", artifactRef, strings.TrimSpace(stderr.String()))
	}

	lines := strings.Fields(stdout.String())
	if len(lines) == 0 {
		return "", trace.BadParameter("build of %s produced no output path", artifactRef)
	}
	return lines[0], nil
}
