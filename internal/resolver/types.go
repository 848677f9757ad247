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

// Package resolver turns a target expression and a decoded deployment
// document into an ordered, deterministic sequence of resolved deployment
// steps, applying CLI and environment overrides along the way.
package resolver

import "github.com/deployrs-go/deployrs/internal/settings"

// Expression is a parsed target expression of the form
// <flake>[#<node>[.<profile>]].
type Expression struct {
	Flake   string
	Node    string // empty means "every node"
	Profile string // empty means "every profile of Node, in order"
}

// Step is a single addressable profile instance ready for preparation and
// activation.
type Step struct {
	NodeName          string
	ProfileName       string
	Hostname          string
	EffectiveSettings settings.Settings
	Artifact          string
	ProfilePath       string
}
