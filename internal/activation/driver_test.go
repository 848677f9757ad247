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

package activation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/deployrs-go/deployrs/internal/errs"
	"github.com/deployrs-go/deployrs/internal/resolver"
	"github.com/deployrs-go/deployrs/internal/settings"
	"github.com/deployrs-go/deployrs/internal/transport"
)

// scriptedHandler decides the exit status/output for an incoming exec
// command, letting tests script the remote activate-rs helper's behavior
// without a real target host.
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
					switch req.Type {
					case "pty-req", "shell":
						if req.WantReply {
							req.Reply(true, nil)
						}
					case "exec":
						// payload: uint32 length + command string
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
					default:
						if req.WantReply {
							req.Reply(false, nil)
						}
					}
				}
			}()
		}
		sc.Close()
	}()

	return clientConn
}

type fakeDialer struct {
	handler scriptedHandler
	t       *testing.T
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

func testStep() resolver.Step {
	return resolver.Step{
		NodeName:    "srv",
		ProfileName: "app",
		Hostname:    "srv.example.com",
		Artifact:    "/nix/store/abc-app",
		ProfilePath: "/nix/var/nix/profiles/app",
		EffectiveSettings: settings.Settings{
			SSHUser:           strp("deploy"),
			User:              strp("deploy"),
			Sudo:              strp("sudo -u"),
			TempPath:          strp("/tmp"),
			ConfirmTimeout:    intp(5),
			ActivationTimeout: nil,
			MagicRollback:     boolp(true),
			AutoRollback:      boolp(true),
			InteractiveSudo:   boolp(false),
		},
	}
}

func TestActivateSuccessNoConfirmation(t *testing.T) {
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		return ExitActivationSuccessNoConfirm, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	step := testStep()
	step.EffectiveSettings.MagicRollback = boolp(false)

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	outcome, err := d.Activate(context.Background(), step, nil, false)
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if outcome.AwaitingConfirmation {
		t.Fatal("expected AwaitingConfirmation=false")
	}
}

func TestActivateAwaitingConfirmation(t *testing.T) {
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		return ExitActivationSuccessAwaitingConfirm, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	outcome, err := d.Activate(context.Background(), testStep(), nil, false)
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if !outcome.AwaitingConfirmation {
		t.Fatal("expected AwaitingConfirmation=true")
	}
}

func TestActivateFailedRolledBackIsActivationError(t *testing.T) {
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		return ExitActivationFailedRolledBack, "", "entrypoint exited 1"
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	_, err := d.Activate(context.Background(), testStep(), nil, false)
	if err == nil {
		t.Fatal("expected activation error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindActivation {
		t.Fatalf("expected KindActivation, got %v (ok=%v)", kind, ok)
	}
}

func TestActivateWrapsSudoWhenUserDiffers(t *testing.T) {
	var seen string
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		seen = cmd
		return ExitActivationSuccessNoConfirm, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	step := testStep()
	step.EffectiveSettings.SSHUser = strp("deploy")
	step.EffectiveSettings.User = strp("root")
	step.EffectiveSettings.MagicRollback = boolp(false)

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	if _, err := d.Activate(context.Background(), step, nil, false); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if !strings.HasPrefix(seen, "sudo -u root ") {
		t.Fatalf("expected sudo-wrapped command, got %q", seen)
	}
}

func TestConfirmWritesSentinel(t *testing.T) {
	var seenCommand string
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		seenCommand = cmd
		return 0, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	if err := d.Confirm(context.Background(), testStep()); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if !strings.Contains(seenCommand, "deploy-rs-canary-app") {
		t.Fatalf("expected sentinel path in confirmation command, got %q", seenCommand)
	}
}

func TestConfirmFailureIsConfirmationTimeout(t *testing.T) {
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		return 1, "", "permission denied"
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	err := d.Confirm(context.Background(), testStep())
	if err == nil {
		t.Fatal("expected confirmation error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindConfirmationTimeout {
		t.Fatalf("expected KindConfirmationTimeout, got %v (ok=%v)", kind, ok)
	}
}

func TestConfirmTimesOutWhenTargetNeverResponds(t *testing.T) {
	release := make(chan struct{})
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		<-release
		return 0, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	clock := clockwork.NewFakeClock()
	d := New(pool, clock, logrus.StandardLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Confirm(context.Background(), testStep())
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Duration(*testStep().EffectiveSettings.ConfirmTimeout) * time.Second)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a confirmation timeout error")
		}
		if kind, ok := errs.KindOf(err); !ok || kind != errs.KindConfirmationTimeout {
			t.Fatalf("expected KindConfirmationTimeout, got %v (ok=%v)", kind, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm did not return after the fake clock advanced past confirm_timeout")
	}

	close(release)
}

func TestRollbackIssuesReversionCommand(t *testing.T) {
	var seenCommand string
	dialer := &fakeDialer{t: t, handler: func(cmd string) (uint32, string, string) {
		seenCommand = cmd
		return 0, "", ""
	}}
	pool := transport.NewPool(dialer)
	defer pool.CloseAll()

	d := New(pool, clockwork.NewFakeClock(), logrus.StandardLogger())
	if err := d.Rollback(context.Background(), testStep(), nil); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if !strings.Contains(seenCommand, "--rollback") {
		t.Fatalf("expected rollback flag in command, got %q", seenCommand)
	}
}
