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

package lease

import "testing"

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "srv.example.com", "/nix/var/nix/profiles/app")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(dir, "srv.example.com", "/nix/var/nix/profiles/app")
	if err == nil {
		t.Fatal("expected second Acquire for the same (hostname, profilePath) to fail")
	}
}

func TestReleaseThenReacquireSucceeds(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "srv.example.com", "/nix/var/nix/profiles/app")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	l2, err := Acquire(dir, "srv.example.com", "/nix/var/nix/profiles/app")
	if err != nil {
		t.Fatalf("re-Acquire after Release failed: %v", err)
	}
	defer l2.Release()
}

func TestDistinctTargetsDoNotConflict(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "srv-a.example.com", "/nix/var/nix/profiles/app")
	if err != nil {
		t.Fatalf("Acquire srv-a failed: %v", err)
	}
	defer l1.Release()

	l2, err := Acquire(dir, "srv-b.example.com", "/nix/var/nix/profiles/app")
	if err != nil {
		t.Fatalf("Acquire srv-b failed: %v", err)
	}
	defer l2.Release()
}
