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

package plan

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/deployrs-go/deployrs/internal/activation"
	"github.com/deployrs-go/deployrs/internal/preparer"
	"github.com/deployrs-go/deployrs/internal/resolver"
	"github.com/deployrs-go/deployrs/internal/settings"
	"github.com/deployrs-go/deployrs/internal/transport"
)

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, artifactRef string, remote bool, host preparer.RemoteCreds, extraArgs []string) (string, error) {
	return "/nix/store/abc-" + artifactRef, nil
}

type fakePusher struct{}

func (fakePusher) Push(ctx context.Context, storePath string, host preparer.RemoteCreds, fast bool) error {
	return nil
}

type scriptedHandler func(command string) (exitStatus uint32, stdout, stderr string)

func startScriptedServer(t *testing.T, handler scriptedHandler) net.Conn {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("building host key signer: %v", err)
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
					if req.Type != "exec" {
						if req.WantReply {
							req.Reply(false, nil)
						}
						continue
					}
					var cmd string
					if len(req.Payload) >= 4 {
						n := int(req.Payload[0])<<24 | int(req.Payload[1])<<16 | int(req.Payload[2])<<8 | int(req.Payload[3])
						if 4+n <= len(req.Payload) {
							cmd = string(req.Payload[4 : 4+n])
						}
					}
					if req.WantReply {
						req.Reply(true, nil)
					}
					status, stdout, stderr := handler(cmd)
					channel.Write([]byte(stdout))
					channel.Stderr().Write([]byte(stderr))
					channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
					return
				}
			}()
		}
		sc.Close()
	}()

	return clientConn
}

type fakeDialer struct {
	t       *testing.T
	handler scriptedHandler
}

func (f *fakeDialer) Dial(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error) {
	conn := startScriptedServer(f.t, f.handler)
	config := &ssh.ClientConfig{
		User:            sshUser,
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

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }
func intp(n int) *int       { return &n }

func buildStep(node, profile string) resolver.Step {
	return resolver.Step{
		NodeName:    node,
		ProfileName: profile,
		Hostname:    node + ".example.com",
		Artifact:    profile,
		ProfilePath: "/nix/var/nix/profiles/" + profile,
		EffectiveSettings: settings.Settings{
			SSHUser:        strp("deploy"),
			User:           strp("deploy"),
			Sudo:           strp("sudo -u"),
			TempPath:       strp("/tmp"),
			ConfirmTimeout: intp(5),
			MagicRollback:  boolp(false),
			AutoRollback:   boolp(true),
		},
	}
}

func newExecutor(t *testing.T, handler scriptedHandler) *Executor {
	p := preparer.New(fakeBuilder{}, fakePusher{}, nil, logrus.StandardLogger())
	pool := transport.NewPool(&fakeDialer{t: t, handler: handler})
	d := activation.New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	return NewExecutor(p, d, logrus.StandardLogger())
}

func TestRunAllStepsSucceed(t *testing.T) {
	e := newExecutor(t, func(cmd string) (uint32, string, string) {
		return activation.ExitActivationSuccessNoConfirm, "", ""
	})

	steps := []resolver.Step{buildStep("a", "app"), buildStep("b", "app")}
	records, err := e.Run(context.Background(), steps, Options{RollbackSucceeded: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Phase != PhaseDone {
			t.Fatalf("expected PhaseDone for all steps, got %+v", r)
		}
	}
}

func TestRunSecondStepFailureRollsBackFirst(t *testing.T) {
	calls := 0
	e := newExecutor(t, func(cmd string) (uint32, string, string) {
		calls++
		if calls == 1 {
			return activation.ExitActivationSuccessNoConfirm, "", ""
		}
		if calls == 2 {
			return activation.ExitActivationFailedRolledBack, "", "boom"
		}
		return 0, "", "" // rollback call for the first step
	})

	steps := []resolver.Step{buildStep("a", "app"), buildStep("b", "app")}
	records, err := e.Run(context.Background(), steps, Options{RollbackSucceeded: true})
	if err == nil {
		t.Fatal("expected Run to report failure")
	}

	var rolledBack bool
	for _, r := range records {
		if r.NodeName == "a" && r.Outcome == "rolled back" {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Fatalf("expected step 'a' to be rolled back after step 'b' failed, got %+v", records)
	}
}

func TestRunRollbackSucceededFalseLeavesEarlierStepsInPlace(t *testing.T) {
	calls := 0
	e := newExecutor(t, func(cmd string) (uint32, string, string) {
		calls++
		if calls == 1 {
			return activation.ExitActivationSuccessNoConfirm, "", ""
		}
		return activation.ExitActivationFailedRolledBack, "", "boom"
	})

	steps := []resolver.Step{buildStep("a", "app"), buildStep("b", "app")}
	records, err := e.Run(context.Background(), steps, Options{RollbackSucceeded: false})
	if err == nil {
		t.Fatal("expected Run to report failure")
	}
	for _, r := range records {
		if r.Outcome == "rolled back" {
			t.Fatalf("expected no rollback records with RollbackSucceeded=false, got %+v", records)
		}
	}
}
