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

package secrets

import (
	"context"
	"testing"
)

type fakeDecrypter struct {
	plaintext []byte
}

func (f *fakeDecrypter) Decrypt(ctx context.Context, path string) ([]byte, error) {
	return append([]byte(nil), f.plaintext...), nil
}

func TestFetcherWalksSlashPath(t *testing.T) {
	doc := []byte("password:\n  deploy: hunter2\n")
	fetcher := NewFetcher(&fakeDecrypter{plaintext: doc})

	pw, err := fetcher.Password(context.Background(), "pw.yaml", "password/deploy")
	if err != nil {
		t.Fatalf("Password returned error: %v", err)
	}
	if string(pw) != "hunter2" {
		t.Fatalf("Password = %q, want %q", pw, "hunter2")
	}
}

func TestFetcherMissingKey(t *testing.T) {
	doc := []byte("password:\n  deploy: hunter2\n")
	fetcher := NewFetcher(&fakeDecrypter{plaintext: doc})

	_, err := fetcher.Password(context.Background(), "pw.yaml", "password/other")
	if err == nil {
		t.Fatal("expected error for missing key path")
	}
}

func TestZeroOverwritesBytes(t *testing.T) {
	b := []byte("hunter2")
	Zero(b)
	for _, c := range b {
		if c != 0 {
			t.Fatalf("expected all bytes zeroed, got %v", b)
		}
	}
}
