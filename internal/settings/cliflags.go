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

	"github.com/google/shlex"
)

// optionalBool is a kingpin flag Value that distinguishes "flag never
// passed" from "flag passed with its zero value". kingpin's own bool flags
// collapse both into false, which loses the distinction Merge needs between
// "not set at this layer" and "explicitly set to false".
type optionalBool struct {
	value *bool
}

func (o *optionalBool) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.value = &b
	return nil
}

func (o *optionalBool) String() string {
	if o.value == nil {
		return ""
	}
	return strconv.FormatBool(*o.value)
}

// IsBoolFlag tells kingpin this flag may be given without an explicit
// argument, i.e. "--auto-rollback" means true rather than requiring
// "--auto-rollback=true".
func (o *optionalBool) IsBoolFlag() bool { return true }

// optionalInt is the tri-state counterpart for integer flags such as
// --confirm-timeout / --activation-timeout.
type optionalInt struct {
	value *int
}

func (o *optionalInt) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	o.value = &n
	return nil
}

func (o *optionalInt) String() string {
	if o.value == nil {
		return ""
	}
	return strconv.Itoa(*o.value)
}

// optionalString is the tri-state counterpart for string flags.
type optionalString struct {
	value *string
}

func (o *optionalString) Set(s string) error {
	o.value = &s
	return nil
}

func (o *optionalString) String() string {
	if o.value == nil {
		return ""
	}
	return *o.value
}

// optionalSSHOpts tracks whether --ssh-opts was passed at all, splitting its
// argument the same way the profile-level ssh_opts field is authored.
type optionalSSHOpts struct {
	value []string
	set   bool
}

func (o *optionalSSHOpts) Set(s string) error {
	opts, err := shlex.Split(s)
	if err != nil {
		return err
	}
	o.value = opts
	o.set = true
	return nil
}

func (o *optionalSSHOpts) String() string {
	if !o.set {
		return ""
	}
	return ""
}

// CLIFlags bundles the tri-state flag destinations registered against a
// kingpin command. Call Settings() once parsing has run to read back only
// the fields the user actually passed.
type CLIFlags struct {
	SSHUser           optionalString
	User              optionalString
	SSHOpts           optionalSSHOpts
	FastConnection    optionalBool
	AutoRollback      optionalBool
	MagicRollback     optionalBool
	ConfirmTimeout    optionalInt
	ActivationTimeout optionalInt
	TempPath          optionalString
	Sudo              optionalString
	InteractiveSudo   optionalBool
	RemoteBuild       optionalBool
	SudoFile          optionalString
	SudoSecret        optionalString
}

// Settings reads back a Settings override record from whichever flags were
// actually set by the user during parsing.
func (c *CLIFlags) Settings() Settings {
	var out Settings
	out.SSHUser = c.SSHUser.value
	out.User = c.User.value
	if c.SSHOpts.set {
		out.SSHOpts = c.SSHOpts.value
	}
	out.FastConnection = c.FastConnection.value
	out.AutoRollback = c.AutoRollback.value
	out.MagicRollback = c.MagicRollback.value
	out.ConfirmTimeout = c.ConfirmTimeout.value
	out.ActivationTimeout = c.ActivationTimeout.value
	out.TempPath = c.TempPath.value
	out.Sudo = c.Sudo.value
	out.InteractiveSudo = c.InteractiveSudo.value
	out.RemoteBuild = c.RemoteBuild.value
	out.SudoFile = c.SudoFile.value
	out.SudoSecret = c.SudoSecret.value
	return out
}
