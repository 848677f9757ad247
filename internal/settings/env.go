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

package settings

import (
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/gravitational/trace"
)

// FromEnviron builds an override Settings from process environment
// variables whose names match settings field names case-insensitively
// (SSH_USER, USER, AUTO_ROLLBACK, MAGIC_ROLLBACK, CONFIRM_TIMEOUT,
// ACTIVATION_TIMEOUT, TEMP_PATH, SUDO, INTERACTIVE_SUDO, REMOTE_BUILD,
// SUDO_FILE, SUDO_SECRET, FAST_CONNECTION, SSH_OPTS). environ is typically
// os.Environ(); passing it explicitly keeps this testable without mutating
// process state.
func FromEnviron(environ []string) (Settings, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[strings.ToUpper(k)] = v
	}

	var out Settings
	if v, ok := vars["SSH_USER"]; ok {
		out.SSHUser = strPtr(v)
	}
	if v, ok := vars["USER"]; ok {
		out.User = strPtr(v)
	}
	if v, ok := vars["SSH_OPTS"]; ok {
		opts, err := shlex.Split(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing SSH_OPTS environment override")
		}
		out.SSHOpts = opts
	}
	if v, ok := vars["FAST_CONNECTION"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing FAST_CONNECTION environment override")
		}
		out.FastConnection = &b
	}
	if v, ok := vars["AUTO_ROLLBACK"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing AUTO_ROLLBACK environment override")
		}
		out.AutoRollback = &b
	}
	if v, ok := vars["MAGIC_ROLLBACK"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing MAGIC_ROLLBACK environment override")
		}
		out.MagicRollback = &b
	}
	if v, ok := vars["CONFIRM_TIMEOUT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing CONFIRM_TIMEOUT environment override")
		}
		out.ConfirmTimeout = &n
	}
	if v, ok := vars["ACTIVATION_TIMEOUT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing ACTIVATION_TIMEOUT environment override")
		}
		out.ActivationTimeout = &n
	}
	if v, ok := vars["TEMP_PATH"]; ok {
		out.TempPath = strPtr(v)
	}
	if v, ok := vars["SUDO"]; ok {
		out.Sudo = strPtr(v)
	}
	if v, ok := vars["INTERACTIVE_SUDO"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing INTERACTIVE_SUDO environment override")
		}
		out.InteractiveSudo = &b
	}
	if v, ok := vars["REMOTE_BUILD"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, trace.Wrap(err, "parsing REMOTE_BUILD environment override")
		}
		out.RemoteBuild = &b
	}
	if v, ok := vars["SUDO_FILE"]; ok {
		out.SudoFile = strPtr(v)
	}
	if v, ok := vars["SUDO_SECRET"]; ok {
		out.SudoSecret = strPtr(v)
	}

	return out, nil
}
