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

package deployfile

import (
	"bytes"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/deployrs-go/deployrs/internal/settings"
)

// SupportedSchema is the input schema revision this decoder understands.
// A document that declares a different "schema" value is rejected unless
// skipChecks is set, so a future incompatible revision fails loudly instead
// of silently resolving to the wrong settings.
const SupportedSchema = "1"

// Decode parses a deploy document's raw JSON bytes into a settings.Deploy,
// preserving node and profile declaration order. skipChecks bypasses schema
// and structural validation, per the --skip-checks CLI flag.
func Decode(raw []byte, skipChecks bool) (settings.Deploy, error) {
	var doc wireDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return settings.Deploy{}, trace.Wrap(err, "parsing deploy document")
	}

	if !skipChecks && doc.Schema != "" && doc.Schema != SupportedSchema {
		return settings.Deploy{}, trace.BadParameter(
			"deploy document declares schema %q, this build understands %q (pass --skip-checks to bypass)",
			doc.Schema, SupportedSchema)
	}

	nodesRaw, err := extractField(raw, "nodes")
	if err != nil {
		return settings.Deploy{}, trace.Wrap(err, "locating \"nodes\" field")
	}

	deploy := settings.Deploy{
		Nodes:    map[string]settings.Node{},
		Settings: decodeGenericOptions(doc.genericOptions),
	}

	if nodesRaw == nil {
		if skipChecks {
			return deploy, nil
		}
		return settings.Deploy{}, trace.BadParameter("deploy document is missing required \"nodes\" field")
	}

	nodeNames, nodeValues, err := orderedObjectEntries(nodesRaw)
	if err != nil {
		return settings.Deploy{}, trace.Wrap(err, "decoding \"nodes\" object")
	}

	for i, name := range nodeNames {
		node, err := decodeNode(nodeValues[i])
		if err != nil {
			return settings.Deploy{}, trace.Wrap(err, "decoding node %q", name)
		}
		if !skipChecks && node.Hostname == "" {
			return settings.Deploy{}, trace.BadParameter("node %q is missing required \"hostname\" field", name)
		}
		deploy.Nodes[name] = node
		deploy.NodeOrder = append(deploy.NodeOrder, name)
	}

	return deploy, nil
}

func decodeNode(raw []byte) (settings.Node, error) {
	var wn wireNode
	if err := json.Unmarshal(raw, &wn); err != nil {
		return settings.Node{}, trace.Wrap(err)
	}

	node := settings.Node{
		Hostname:      wn.Hostname,
		ProfilesOrder: wn.ProfilesOrder,
		Settings:      decodeGenericOptions(wn.genericOptions),
		Profiles:      map[string]settings.Profile{},
	}

	profilesRaw, err := extractField(raw, "profiles")
	if err != nil {
		return settings.Node{}, trace.Wrap(err, "locating \"profiles\" field")
	}
	if profilesRaw == nil {
		return node, nil
	}

	names, values, err := orderedObjectEntries(profilesRaw)
	if err != nil {
		return settings.Node{}, trace.Wrap(err, "decoding \"profiles\" object")
	}

	for i, name := range names {
		var wp wireProfile
		if err := json.Unmarshal(values[i], &wp); err != nil {
			return settings.Node{}, trace.Wrap(err, "decoding profile %q", name)
		}
		profile := settings.Profile{
			Path:     wp.Path,
			Settings: decodeGenericOptions(wp.genericOptions),
		}
		if wp.ProfilePath != "" {
			p := wp.ProfilePath
			profile.ProfilePath = &p
		}
		node.Profiles[name] = profile
		node.DeclaredProfileOrder = append(node.DeclaredProfileOrder, name)
	}

	return node, nil
}

func decodeGenericOptions(g genericOptions) settings.Settings {
	return settings.Settings{
		SSHUser:           g.SSHUser,
		User:              g.User,
		SSHOpts:           g.SSHOpts,
		FastConnection:    g.FastConnection,
		AutoRollback:      g.AutoRollback,
		MagicRollback:     g.MagicRollback,
		ConfirmTimeout:    g.ConfirmTimeout,
		ActivationTimeout: g.ActivationTimeout,
		TempPath:          g.TempPath,
		Sudo:              g.Sudo,
		InteractiveSudo:   g.InteractiveSudo,
		RemoteBuild:       g.RemoteBuild,
		SudoFile:          g.SudoFile,
		SudoSecret:        g.SudoSecret,
	}
}

// extractField returns the raw JSON value of the named top-level field
// within a JSON object, or nil if the field is absent.
func extractField(raw []byte, field string) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, trace.BadParameter("expected a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		if key == field {
			return val, nil
		}
	}
	return nil, nil
}

// orderedObjectEntries decodes a JSON object's keys and raw values in the
// order they appear in the source document.
func orderedObjectEntries(raw json.RawMessage) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, trace.BadParameter("expected a JSON object")
	}

	var names []string
	var values []json.RawMessage
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := keyTok.(string)

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		names = append(names, key)
		values = append(values, val)
	}
	return names, values, nil
}
