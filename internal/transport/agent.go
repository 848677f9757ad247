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
	"net"
	"os"

	"github.com/gravitational/trace"
)

// agentSocket connects to the local ssh-agent over SSH_AUTH_SOCK, the same
// mechanism an interactive `ssh` client uses for key-based authentication.
func agentSocket() (net.Conn, error) {
	sockPath := os.Getenv("SSH_AUTH_SOCK")
	if sockPath == "" {
		return nil, trace.BadParameter("SSH_AUTH_SOCK is not set; no ssh-agent to authenticate with")
	}
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, trace.Wrap(err, "dialing ssh-agent socket %s", sockPath)
	}
	return conn, nil
}
