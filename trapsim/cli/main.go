// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for trapsim.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	_ "github.com/trapsim/trapsim/pkg/sentry/syscalls/bsd"
	_ "github.com/trapsim/trapsim/pkg/sentry/syscalls/linux"
	"github.com/trapsim/trapsim/trapsim/cmd"
	"github.com/trapsim/trapsim/trapsim/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: subcommand})
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		cmd.ErrorLogger = io.MultiWriter(os.Stderr, f)
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile, conf.Debug))

	const delimString = `**************** trapsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("ABIs: %v", kernel.ABIs())
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// trapsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Classify), "")
	cb(new(cmd.Syscalls), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

func newEmitter(format string, logFile io.Writer, debug bool) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(logFile)
		if debug {
			l.SetLevel(logrus.DebugLevel)
		}
		return log.LogrusEmitter{Logger: l, Fields: logrus.Fields{"component": "trapsim"}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic(fmt.Sprintf("unreachable: %q", format))
}
