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

// Package secrets fetches the sudo password referenced by a profile's
// sudo_file/sudo_secret pair: an external decryption tool turns the
// encrypted file into plaintext YAML, and the value at the slash-separated
// key path is the password, held only in process memory and zeroed after
// use.
package secrets

import (
	"context"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// Decrypter runs an external decryption tool against an encrypted file and
// returns its plaintext contents. The default implementation shells out to
// a sops-compatible binary; tests substitute a fake.
type Decrypter interface {
	Decrypt(ctx context.Context, path string) ([]byte, error)
}

// sopsDecrypter invokes "sops -d" the way an operator would from a shell,
// the same pattern the teacher's config loader uses for external helper
// invocation via os/exec.
type sopsDecrypter struct {
	binary string
}

// NewSopsDecrypter returns a Decrypter that shells out to the named sops
// binary (or "sops" if empty).
func NewSopsDecrypter(binary string) Decrypter {
	if binary == "" {
		binary = "sops"
	}
	return &sopsDecrypter{binary: binary}
}

func (s *sopsDecrypter) Decrypt(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binary, "-d", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "decrypting %s via %s", path, s.binary)
	}
	return out, nil
}

// Fetcher resolves a profile's sudo_file/sudo_secret pair into the
// plaintext sudo password.
type Fetcher struct {
	decrypter Decrypter
}

func NewFetcher(decrypter Decrypter) *Fetcher {
	return &Fetcher{decrypter: decrypter}
}

// Password decrypts sudoFile and walks sudoSecret (a slash-separated path
// into the decrypted YAML document) to produce the sudo password. The
// caller is responsible for zeroing the returned byte slice via Zero once
// the password is no longer needed.
func (f *Fetcher) Password(ctx context.Context, sudoFile, sudoSecret string) ([]byte, error) {
	plaintext, err := f.decrypter.Decrypt(ctx, sudoFile)
	if err != nil {
		return nil, trace.Wrap(err, "fetching sudo secret from %s", sudoFile)
	}
	defer Zero(plaintext)

	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return nil, trace.Wrap(err, "parsing decrypted secret store as yaml")
	}

	value, err := walk(doc, sudoSecret)
	if err != nil {
		return nil, trace.Wrap(err, "resolving sudo_secret %q in %s", sudoSecret, sudoFile)
	}

	password := []byte(value)
	return password, nil
}

// walk descends a decoded YAML document along a slash-separated key path
// such as "password/deploy", returning the leaf string value.
func walk(doc map[interface{}]interface{}, path string) (string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	var cur interface{} = doc

	for _, seg := range segments {
		m, ok := cur.(map[interface{}]interface{})
		if !ok {
			return "", trace.BadParameter("path segment %q expects a mapping, found %T", seg, cur)
		}
		next, ok := m[seg]
		if !ok {
			return "", trace.NotFound("key %q not found", seg)
		}
		cur = next
	}

	s, ok := cur.(string)
	if !ok {
		return "", trace.BadParameter("value at %q is not a string", path)
	}
	return s, nil
}

// Zero overwrites b with zero bytes in place, the best-effort mitigation
// available in Go for scrubbing plaintext secret material from memory.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
