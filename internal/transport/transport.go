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

// Package transport implements the deployment core's SSH transport: a
// connection shared per (hostname, ssh_user) pair, fresh exec sessions for
// ordinary remote commands, and the mandatory brand-new session the
// confirmation phase of magic rollback requires to prove live connectivity.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Result captures the outcome of a single remote command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Dialer opens SSH client connections. The default implementation dials the
// real network; tests substitute a fake to exercise the Driver and Executor
// without a live host.
type Dialer interface {
	Dial(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error)
}

// netDialer is the default Dialer, authenticating via the local SSH agent
// the same way an interactive `ssh` invocation would.
type netDialer struct {
	log log.FieldLogger
}

// NewDialer returns the default agent-authenticated network Dialer.
func NewDialer(logger log.FieldLogger) Dialer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &netDialer{log: logger}
}

func (d *netDialer) Dial(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error) {
	sock, err := agentSocket()
	if err != nil {
		return nil, trace.Wrap(err, "connecting to local ssh-agent")
	}
	defer sock.Close()

	agentClient := agent.NewClient(sock)

	config := &ssh.ClientConfig{
		User: sshUser,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeysCallback(agentClient.Signers),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := hostname
	if _, _, err := net.SplitHostPort(hostname); err != nil {
		addr = net.JoinHostPort(hostname, "22")
	}

	d.log.WithFields(log.Fields{"host": addr, "user": sshUser}).Debug("dialing ssh")

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err, "dialing %s", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, trace.Wrap(err, "establishing ssh handshake with %s", addr)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Pool hands out one shared *ssh.Client per (hostname, ssh_user) pair,
// opening a fresh connection lazily on first use and closing every
// connection it opened when told the host's steps are finished.
type Pool struct {
	dialer Dialer
	mu     sync.Mutex
	conns  map[string]*ssh.Client
}

func NewPool(dialer Dialer) *Pool {
	return &Pool{dialer: dialer, conns: map[string]*ssh.Client{}}
}

func poolKey(hostname, sshUser string) string { return sshUser + "@" + hostname }

// Session opens a fresh exec channel over the pooled connection for
// (hostname, sshUser), dialing it if this is the first use.
func (p *Pool) Session(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Session, error) {
	client, err := p.client(ctx, hostname, sshUser, sshOpts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err, "opening ssh session to %s@%s", sshUser, hostname)
	}
	return sess, nil
}

// Client returns the pooled *ssh.Client for (hostname, sshUser), dialing it
// if this is the first use. Collaborators that need to drive their own
// subsystem on top of the connection (e.g. an SFTP client) use this instead
// of Session.
func (p *Pool) Client(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error) {
	return p.client(ctx, hostname, sshUser, sshOpts)
}

// FreshSession always dials a brand-new connection bypassing the pool
// entirely, regardless of whether a multiplexed connection exists. The
// confirmation phase of magic rollback uses this: its entire purpose is to
// prove that a connection opened *after* activation still succeeds.
func (p *Pool) FreshSession(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, *ssh.Session, error) {
	client, err := p.dialer.Dial(ctx, hostname, sshUser, sshOpts)
	if err != nil {
		return nil, nil, trace.Wrap(err, "opening confirmation session to %s@%s", sshUser, hostname)
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, trace.Wrap(err, "opening confirmation channel to %s@%s", sshUser, hostname)
	}
	return client, sess, nil
}

func (p *Pool) client(ctx context.Context, hostname, sshUser string, sshOpts []string) (*ssh.Client, error) {
	key := poolKey(hostname, sshUser)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[key]; ok {
		return c, nil
	}

	c, err := p.dialer.Dial(ctx, hostname, sshUser, sshOpts)
	if err != nil {
		return nil, err
	}
	p.conns[key] = c
	return c, nil
}

// CloseHost closes and forgets the pooled connection for hostname/sshUser,
// once the Executor has no more steps addressing that host.
func (p *Pool) CloseHost(hostname, sshUser string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(hostname, sshUser)
	c, ok := p.conns[key]
	if !ok {
		return nil
	}
	delete(p.conns, key)
	return c.Close()
}

// CloseAll tears down every connection the pool currently holds.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, key)
	}
	return firstErr
}

// Run executes command on sess, capturing stdout/stderr and translating a
// non-zero remote exit into a Result rather than a Go error, so callers can
// distinguish "command ran and failed" from "transport failed".
func Run(sess *ssh.Session, command string, stdin io.Reader) (Result, error) {
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	err := sess.Run(command)
	if err == nil {
		return Result{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	var exitErr *ssh.ExitError
	if ok := errorsAsExitError(err, &exitErr); ok {
		return Result{ExitCode: exitErr.ExitStatus(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	return Result{}, trace.Wrap(err, "running remote command")
}

func errorsAsExitError(err error, target **ssh.ExitError) bool {
	e, ok := err.(*ssh.ExitError)
	if !ok {
		return false
	}
	*target = e
	return true
}
