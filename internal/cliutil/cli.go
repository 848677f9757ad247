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

// Package cliutil provides the small set of CLI front-end helpers shared by
// the deployrs binary: log initialization and error-to-stderr rendering, in
// the same spirit as the teacher's lib/utils logging helpers.
package cliutil

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// InitLogger configures the global logrus logger for CLI use: human-readable
// text to stderr at debug level, discarded otherwise, matching the
// discard-unless-debugging behavior CLI tools in this family use so that
// normal runs aren't noisy and --debug runs see everything.
func InitLogger(debug bool) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetOutput(os.Stderr)
		return
	}
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetOutput(io.Discard)
}

// FatalError prints a clean, user-facing rendering of err to stderr and
// exits 1. It is the last thing cmd/deployrs's main calls on failure.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders err for a human: the full trace debug report
// when debug logging is enabled, otherwise a terse "ERROR: ..." line built
// from the wrapped message chain.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}

	var buf bytes.Buffer
	fmt.Fprint(&buf, "ERROR: ")
	if traceErr, ok := err.(*trace.TraceErr); ok && len(traceErr.Messages) > 0 {
		fmt.Fprint(&buf, traceErr.Messages[len(traceErr.Messages)-1])
	} else {
		fmt.Fprint(&buf, err.Error())
	}
	return buf.String()
}

// NewApp configures a kingpin.Application with the conventions this tool's
// family uses: repeatable flags, and help hidden from the flag listing.
func NewApp(name, help string) *kingpin.Application {
	app := kingpin.New(name, help)
	app.AllRepeatable(true)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app
}
