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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newTestHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// startEchoServer spins up an in-process SSH server accepting any password
// and handling exactly one exec request per session, replying with a fixed
// exit status. It returns the client-side net.Conn to hand to ssh.NewClientConn.
func startEchoServer(exitStatus uint32, stdout string) (net.Conn, error) {
	signer, err := newTestHostKey()
	if err != nil {
		return nil, err
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	clientConn, serverConn := net.Pipe()

	go func() {
		sc, chans, reqs, err := ssh.NewServerConn(serverConn, config)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			if ch.ChannelType() != "session" {
				ch.Reject(ssh.UnknownChannelType, "unsupported")
				continue
			}
			channel, requests, err := ch.Accept()
			if err != nil {
				return
			}
			go func() {
				defer channel.Close()
				for req := range requests {
					if req.WantReply {
						req.Reply(req.Type == "exec", nil)
					}
					if req.Type == "exec" {
						channel.Write([]byte(stdout))
						channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitStatus}))
						return
					}
				}
			}()
		}
		sc.Close()
	}()

	return clientConn, nil
}

func dialTestClient(conn net.Conn, hostname string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            "deploy",
		Auth:            []ssh.AuthMethod{ssh.Password("anything")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hostname, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func TestRunCapturesSuccessfulCommand(t *testing.T) {
	conn, err := startEchoServer(0, "hello\n")
	if err != nil {
		t.Fatalf("startEchoServer: %v", err)
	}
	client, err := dialTestClient(conn, "pipe")
	if err != nil {
		t.Fatalf("dialTestClient: %v", err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	result, err := Run(sess, "echo hello", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if string(result.Stdout) != "hello\n" {
		t.Fatalf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestRunCapturesNonZeroExit(t *testing.T) {
	conn, err := startEchoServer(1, "")
	if err != nil {
		t.Fatalf("startEchoServer: %v", err)
	}
	client, err := dialTestClient(conn, "pipe")
	if err != nil {
		t.Fatalf("dialTestClient: %v", err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	result, err := Run(sess, "false", nil)
	if err != nil {
		t.Fatalf("Run returned transport error for a reported exit code: %v", err)
	}
	if result.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", result.ExitCode)
	}
}

type fakeDialer struct {
	dials int
}

func (f *fakeDialer) Dial(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error) {
	f.dials++
	conn, err := startEchoServer(0, "ok\n")
	if err != nil {
		return nil, err
	}
	return dialTestClient(conn, hostname)
}

func TestPoolReusesConnectionPerHostUser(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer)
	defer pool.CloseAll()

	ctx := context.Background()
	if _, err := pool.Session(ctx, "host-a", "deploy", nil); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if _, err := pool.Session(ctx, "host-a", "deploy", nil); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if dialer.dials != 1 {
		t.Fatalf("expected 1 dial for repeated (host-a, deploy) sessions, got %d", dialer.dials)
	}

	if _, err := pool.Session(ctx, "host-b", "deploy", nil); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("expected a fresh dial for a new host, got %d total dials", dialer.dials)
	}
}

func TestFreshSessionAlwaysDialsRegardlessOfPool(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(dialer)
	defer pool.CloseAll()

	ctx := context.Background()
	if _, err := pool.Session(ctx, "host-a", "deploy", nil); err != nil {
		t.Fatalf("Session: %v", err)
	}
	client, sess, err := pool.FreshSession(ctx, "host-a", "deploy", nil)
	if err != nil {
		t.Fatalf("FreshSession: %v", err)
	}
	defer client.Close()
	defer sess.Close()

	if dialer.dials != 2 {
		t.Fatalf("expected FreshSession to dial independently of the pool, got %d total dials", dialer.dials)
	}
}
