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

// Package settings implements the three-level (top-level, node, profile)
// inheritable settings bag described by the deployment core's data model,
// its merge rule, and its defaulting.
package settings

// Settings is the generic options record. Every field is optional: a nil
// pointer (or nil slice for SSHOpts) means "not set at this layer" and must
// not shadow a set value at a weaker layer during Merge.
type Settings struct {
	SSHUser           *string
	User              *string
	SSHOpts           []string
	FastConnection    *bool
	AutoRollback      *bool
	MagicRollback     *bool
	ConfirmTimeout    *int
	ActivationTimeout *int
	TempPath          *string
	Sudo              *string
	InteractiveSudo   *bool
	RemoteBuild       *bool
	SudoFile          *string
	SudoSecret        *string
}

// Profile is a single deployable artifact within a node.
type Profile struct {
	Path        string
	ProfilePath *string
	Settings    Settings
}

// Node is a deployment target host and the profiles it runs.
type Node struct {
	Hostname string
	Profiles map[string]Profile
	// ProfilesOrder is the explicit prefix given by the document's
	// "profilesOrder" field; it need not list every profile.
	ProfilesOrder []string
	// DeclaredProfileOrder is every profile name in the order it was
	// declared in the source document. Go map iteration is randomized, so
	// this is what lets the resolver place profiles absent from
	// ProfilesOrder into a deterministic "stable" remainder order instead
	// of a fresh one on every run.
	DeclaredProfileOrder []string
	Settings             Settings
}

// Deploy is the top-level declarative document.
type Deploy struct {
	Nodes    map[string]Node
	// NodeOrder records the order nodes were declared in, since Go map
	// iteration is randomized and the resolver's expansion must be
	// deterministic across runs (spec testable property: resolve is
	// deterministic for identical input).
	NodeOrder []string
	Settings  Settings
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
func strPtr(v string) *string { return &v }
