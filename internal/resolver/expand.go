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

package resolver

import (
	"github.com/gravitational/trace"

	"github.com/deployrs-go/deployrs/internal/settings"
)

// Resolve parses every expression in exprs (in order, concatenating their
// expansions per the --targets multi-expression form) against deploy,
// applies cli and env overrides uniformly to every resulting step, and
// returns the full ordered, deterministic step list.
func Resolve(deploy settings.Deploy, exprs []string, cli, env settings.Settings) ([]Step, error) {
	known := make(map[string]bool, len(deploy.Nodes))
	for name := range deploy.Nodes {
		known[name] = true
	}

	var steps []Step
	for _, expr := range exprs {
		parsed, err := Parse(expr, known)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		expanded, err := expandOne(deploy, parsed, cli, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		steps = append(steps, expanded...)
	}
	return steps, nil
}

func expandOne(deploy settings.Deploy, expr Expression, cli, env settings.Settings) ([]Step, error) {
	if expr.Node == "" {
		var out []Step
		for _, nodeName := range deploy.NodeOrder {
			node, ok := deploy.Nodes[nodeName]
			if !ok {
				continue
			}
			stepsForNode, err := expandNode(deploy, nodeName, node, "", cli, env)
			if err != nil {
				return nil, err
			}
			out = append(out, stepsForNode...)
		}
		return out, nil
	}

	node, ok := deploy.Nodes[expr.Node]
	if !ok {
		return nil, trace.BadParameter("unknown node %q in target expression", expr.Node)
	}
	return expandNode(deploy, expr.Node, node, expr.Profile, cli, env)
}

func expandNode(deploy settings.Deploy, nodeName string, node settings.Node, profileName string, cli, env settings.Settings) ([]Step, error) {
	if node.Hostname == "" {
		return nil, trace.BadParameter("node %q has no hostname", nodeName)
	}

	if profileName != "" {
		profile, ok := node.Profiles[profileName]
		if !ok {
			return nil, trace.BadParameter("unknown profile %q on node %q", profileName, nodeName)
		}
		step, err := buildStep(deploy, nodeName, node, profileName, profile, cli, env)
		if err != nil {
			return nil, err
		}
		return []Step{step}, nil
	}

	var out []Step
	for _, name := range profileOrder(node) {
		profile := node.Profiles[name]
		step, err := buildStep(deploy, nodeName, node, name, profile, cli, env)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

// profileOrder returns every profile name of node in deployment order: the
// explicit profiles_order prefix first, then the remaining declared
// profiles in the stable order they appeared in the source document.
func profileOrder(node settings.Node) []string {
	seen := make(map[string]bool, len(node.Profiles))
	var order []string

	for _, name := range node.ProfilesOrder {
		if seen[name] {
			continue
		}
		if _, ok := node.Profiles[name]; !ok {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	for _, name := range node.DeclaredProfileOrder {
		if seen[name] {
			continue
		}
		if _, ok := node.Profiles[name]; !ok {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	return order
}

func buildStep(deploy settings.Deploy, nodeName string, node settings.Node, profileName string, profile settings.Profile, cli, env settings.Settings) (Step, error) {
	merged := settings.Merge(cli, env, profile.Settings, node.Settings, deploy.Settings)
	effective, err := settings.ApplyDefaults(merged)
	if err != nil {
		return Step{}, trace.Wrap(err, "resolving effective settings for %s.%s", nodeName, profileName)
	}

	profilePath := settings.DeriveProfilePath(profile.ProfilePath, *effective.User, profileName)

	return Step{
		NodeName:          nodeName,
		ProfileName:       profileName,
		Hostname:          node.Hostname,
		EffectiveSettings: effective,
		Artifact:          profile.Path,
		ProfilePath:       profilePath,
	}, nil
}
