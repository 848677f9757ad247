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
	"strings"

	"github.com/gravitational/trace"
)

// Parse splits a target expression of the form <flake>[#<node>[.<profile>]]
// into its components. knownNodes is consulted to resolve the ambiguity
// that arises when an unquoted node/profile selector itself contains a
// literal '.': the longest prefix matching a declared node name wins.
func Parse(expr string, knownNodes map[string]bool) (Expression, error) {
	hashIdx := firstUnquoted(expr, '#')
	if hashIdx == -1 {
		return Expression{Flake: expr}, nil
	}

	flake := expr[:hashIdx]
	selector := expr[hashIdx+1:]

	node, profile, err := splitSelector(selector, knownNodes)
	if err != nil {
		return Expression{}, trace.Wrap(err, "parsing target expression %q", expr)
	}

	return Expression{Flake: flake, Node: node, Profile: profile}, nil
}

// splitSelector divides "<node>[.<profile>]" into its two parts, honoring
// quoted segments (dots inside matching double quotes are literal).
func splitSelector(selector string, knownNodes map[string]bool) (node, profile string, err error) {
	if selector == "" {
		return "", "", nil
	}

	if strings.HasPrefix(selector, `"`) {
		closeRel := strings.IndexByte(selector[1:], '"')
		if closeRel == -1 {
			return "", "", trace.BadParameter("unterminated quoted node name in %q", selector)
		}
		closeIdx := closeRel + 1
		node = selector[1:closeIdx]
		rest := selector[closeIdx+1:]
		if rest == "" {
			return node, "", nil
		}
		if rest[0] != '.' {
			return "", "", trace.BadParameter("expected '.' after quoted node name, found %q", rest)
		}
		return node, stripQuotes(rest[1:]), nil
	}

	dots := unquotedDots(selector)
	if len(dots) == 0 {
		return selector, "", nil
	}

	// Ambiguity resolution: prefer the longest prefix that names a known
	// node, trying split points from the last unquoted dot back to the
	// first.
	for i := len(dots) - 1; i >= 0; i-- {
		candidate := selector[:dots[i]]
		if knownNodes[candidate] {
			return candidate, stripQuotes(selector[dots[i]+1:]), nil
		}
	}

	// No candidate matched a declared node: fall back to the greedy
	// node-first, profile-second default at the first dot.
	return selector[:dots[0]], stripQuotes(selector[dots[0]+1:]), nil
}

// firstUnquoted returns the index of the first occurrence of b that is not
// inside a matching pair of double quotes, or -1 if none.
func firstUnquoted(s string, b byte) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case b:
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

// unquotedDots returns the index of every '.' in s that falls outside a
// matching pair of double quotes.
func unquotedDots(s string) []int {
	var out []int
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '.':
			if !inQuotes {
				out = append(out, i)
			}
		}
	}
	return out
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
