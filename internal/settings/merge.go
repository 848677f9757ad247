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

// Merge combines five layers into one effective Settings record, strongest
// precedence first: cli, env, profile, node, top. A nil at a stronger layer
// never shadows a set value at a weaker layer — each scalar field picks the
// first non-nil value walking from strongest to weakest.
//
// SSHOpts is the one sequence field and is special-cased: if cli or env
// set it, that slice replaces everything else outright. Otherwise the three
// declarative layers concatenate outer-to-inner (top, then node, then
// profile).
func Merge(cli, env, profile, node, top Settings) Settings {
	var out Settings

	out.SSHUser = firstString(cli.SSHUser, env.SSHUser, profile.SSHUser, node.SSHUser, top.SSHUser)
	out.User = firstString(cli.User, env.User, profile.User, node.User, top.User)
	out.FastConnection = firstBool(cli.FastConnection, env.FastConnection, profile.FastConnection, node.FastConnection, top.FastConnection)
	out.AutoRollback = firstBool(cli.AutoRollback, env.AutoRollback, profile.AutoRollback, node.AutoRollback, top.AutoRollback)
	out.MagicRollback = firstBool(cli.MagicRollback, env.MagicRollback, profile.MagicRollback, node.MagicRollback, top.MagicRollback)
	out.ConfirmTimeout = firstInt(cli.ConfirmTimeout, env.ConfirmTimeout, profile.ConfirmTimeout, node.ConfirmTimeout, top.ConfirmTimeout)
	out.ActivationTimeout = firstInt(cli.ActivationTimeout, env.ActivationTimeout, profile.ActivationTimeout, node.ActivationTimeout, top.ActivationTimeout)
	out.TempPath = firstString(cli.TempPath, env.TempPath, profile.TempPath, node.TempPath, top.TempPath)
	out.Sudo = firstString(cli.Sudo, env.Sudo, profile.Sudo, node.Sudo, top.Sudo)
	out.InteractiveSudo = firstBool(cli.InteractiveSudo, env.InteractiveSudo, profile.InteractiveSudo, node.InteractiveSudo, top.InteractiveSudo)
	out.RemoteBuild = firstBool(cli.RemoteBuild, env.RemoteBuild, profile.RemoteBuild, node.RemoteBuild, top.RemoteBuild)
	out.SudoFile = firstString(cli.SudoFile, env.SudoFile, profile.SudoFile, node.SudoFile, top.SudoFile)
	out.SudoSecret = firstString(cli.SudoSecret, env.SudoSecret, profile.SudoSecret, node.SudoSecret, top.SudoSecret)

	switch {
	case cli.SSHOpts != nil:
		out.SSHOpts = cli.SSHOpts
	case env.SSHOpts != nil:
		out.SSHOpts = env.SSHOpts
	default:
		out.SSHOpts = concatOpts(top.SSHOpts, node.SSHOpts, profile.SSHOpts)
	}

	return out
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func concatOpts(layers ...[]string) []string {
	var out []string
	for _, l := range layers {
		out = append(out, l...)
	}
	return out
}
