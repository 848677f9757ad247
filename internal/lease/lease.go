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

// Package lease implements the stricter advisory lock discussed as an
// extension to the core's "overlapping profile slots" open question: the
// design forbids two concurrent deployments to the same (hostname,
// profile_path) and otherwise only enforces it advisorily (first-writer-wins
// on the target). This package adds a local advisory lock keyed by
// that same pair so concurrent invocations on one deployer host fail fast
// instead of racing.
package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
)

// Lease holds an exclusive, non-blocking local lock for one (hostname,
// profilePath) pair.
type Lease struct {
	flock *flock.Flock
	path  string
}

// Acquire takes a non-blocking exclusive lock for (hostname, profilePath)
// under dir, returning a BadParameter-kind error if another process already
// holds it. Release must be called once the step's activation (and any
// rollback) is fully resolved.
func Acquire(dir, hostname, profilePath string) (*Lease, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.Wrap(err, "creating lease directory %s", dir)
	}

	path := filepath.Join(dir, key(hostname, profilePath)+".lock")
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, trace.Wrap(err, "acquiring lease for %s:%s", hostname, profilePath)
	}
	if !locked {
		return nil, trace.BadParameter(
			"another deployment already holds %s:%s; concurrent deployments to the same profile slot are not allowed",
			hostname, profilePath)
	}

	return &Lease{flock: fl, path: path}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lease) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return trace.Wrap(err, "releasing lease %s", l.path)
	}
	_ = os.Remove(l.path)
	return nil
}

func key(hostname, profilePath string) string {
	sum := sha256.Sum256([]byte(hostname + "\x00" + profilePath))
	return hex.EncodeToString(sum[:16])
}
