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

// Package deployfile decodes the JSON declarative input document (§6 of the
// deployment core's external interfaces) into the settings package's Deploy
// model, preserving the document's node and profile declaration order so the
// resolver's expansion stays deterministic across runs.
package deployfile

// genericOptions mirrors every optional settings field as it appears on the
// wire, at whichever of the three document levels it's nested under.
type genericOptions struct {
	SSHUser           *string  `json:"sshUser,omitempty"`
	User              *string  `json:"user,omitempty"`
	SSHOpts           []string `json:"sshOpts,omitempty"`
	FastConnection    *bool    `json:"fastConnection,omitempty"`
	AutoRollback      *bool    `json:"autoRollback,omitempty"`
	MagicRollback     *bool    `json:"magicRollback,omitempty"`
	ConfirmTimeout    *int     `json:"confirmTimeout,omitempty"`
	ActivationTimeout *int     `json:"activationTimeout,omitempty"`
	TempPath          *string  `json:"tempPath,omitempty"`
	Sudo              *string  `json:"sudo,omitempty"`
	InteractiveSudo   *bool    `json:"interactiveSudo,omitempty"`
	RemoteBuild       *bool    `json:"remoteBuild,omitempty"`
	SudoFile          *string  `json:"sudoFile,omitempty"`
	SudoSecret        *string  `json:"sudoSecret,omitempty"`
}

// wireProfile is a single profile entry as it appears nested under a node.
type wireProfile struct {
	Path        string `json:"path"`
	ProfilePath string `json:"profilePath,omitempty"`
	genericOptions
}

// wireNode is a single node entry as it appears under the top-level
// "nodes" object. Profiles is decoded separately (see decode.go) so its
// key order survives into DeclaredProfileOrder.
type wireNode struct {
	Hostname      string   `json:"hostname"`
	ProfilesOrder []string `json:"profilesOrder,omitempty"`
	genericOptions
}

// wireDocument is the top-level shape, minus Nodes, which is decoded
// separately to preserve key order.
type wireDocument struct {
	Schema string `json:"schema,omitempty"`
	genericOptions
}
