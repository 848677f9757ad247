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
	"fmt"
	"os"

	"golang.org/x/term"
)

// PasswordPrompter reads a secret from the local terminal without echoing
// it back, used as the fallback sudo password source when a step has no
// sudo_file/sudo_secret configured and isn't running with interactive_sudo
// (which prompts over the remote PTY instead).
type PasswordPrompter interface {
	Prompt(label string) ([]byte, error)
}

// terminalPrompter reads from the process's own stdin/stdout; it is a
// no-op returning nil when stdin isn't an interactive terminal, so
// non-interactive invocations (CI, scripted) fall through to passwordless
// sudo rather than hanging on a read that will never be answered.
type terminalPrompter struct{}

// NewTerminalPrompter returns the default local PasswordPrompter.
func NewTerminalPrompter() PasswordPrompter { return terminalPrompter{} }

func (terminalPrompter) Prompt(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}

	fmt.Fprintf(os.Stderr, "%s: ", label)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}
