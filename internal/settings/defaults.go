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
	"os/user"

	"github.com/gravitational/trace"
)

// Defaults holds the built-in values applied after Merge when a field is
// still unset. These mirror the deployment core's data model defaults.
var Defaults = Settings{
	FastConnection:    boolPtr(false),
	AutoRollback:      boolPtr(true),
	MagicRollback:     boolPtr(true),
	ConfirmTimeout:    intPtr(30),
	ActivationTimeout: nil, // unset means no explicit timeout
	TempPath:          strPtr("/tmp"),
	Sudo:              strPtr("sudo -u"),
	InteractiveSudo:   boolPtr(false),
	RemoteBuild:       boolPtr(false),
}

// ApplyDefaults fills in every still-nil scalar field of s with its
// built-in default, then resolves the SSHUser/User defaulting chain:
// User defaults to SSHUser, SSHUser defaults to the local invoking user.
func ApplyDefaults(s Settings) (Settings, error) {
	out := s

	if out.FastConnection == nil {
		out.FastConnection = Defaults.FastConnection
	}
	if out.AutoRollback == nil {
		out.AutoRollback = Defaults.AutoRollback
	}
	if out.MagicRollback == nil {
		out.MagicRollback = Defaults.MagicRollback
	}
	if out.ConfirmTimeout == nil {
		out.ConfirmTimeout = Defaults.ConfirmTimeout
	}
	if out.TempPath == nil {
		out.TempPath = Defaults.TempPath
	}
	if out.Sudo == nil {
		out.Sudo = Defaults.Sudo
	}
	if out.InteractiveSudo == nil {
		out.InteractiveSudo = Defaults.InteractiveSudo
	}
	if out.RemoteBuild == nil {
		out.RemoteBuild = Defaults.RemoteBuild
	}

	if out.SSHUser == nil {
		u, err := user.Current()
		if err != nil {
			return Settings{}, trace.Wrap(err, "resolving local invoking user for ssh_user default")
		}
		out.SSHUser = strPtr(u.Username)
	}
	if out.User == nil {
		out.User = out.SSHUser
	}

	return out, nil
}
