/*
Copyright 2024 Alexandre Mahdhaoui

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

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/easy-qemu/internal/launcher"
	"github.com/alexandremahdhaoui/easy-qemu/internal/macro"
	"github.com/alexandremahdhaoui/easy-qemu/internal/metrics"
	"github.com/alexandremahdhaoui/easy-qemu/internal/prepare"
	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
	"github.com/alexandremahdhaoui/easy-qemu/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/easy-qemu/internal/util/logging"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/disk"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/network"
)

const (
	Name = "easy-qemu"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

var errInterrupted = errors.New("interrupted")

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	// run only returns on failure: on success the process is the hypervisor.
	err := run(os.Args, os.Environ())
	_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", Name, oneLine(err))
	os.Exit(1)
}

func run(argv, environ []string) error {
	// --------------------------------------------- Config --------------------------------------------------------- //

	config, err := LoadConfig(os.Getenv(ConfigPathEnvKey))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// --------------------------------------------- Logging -------------------------------------------------------- //

	level, _ := logging.ParseLevel(config.LogLevel) // validated by LoadConfig
	log := logging.Setup(logging.Options{
		Development: config.DevelopmentMode,
		Level:       level,
	}).WithName(Name)

	log.V(1).Info("starting", "version", Version, "commit", CommitSHA, "buildTimestamp", BuildTimestamp)

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	defer gs.Stop()
	ctx := gs.Context()

	// --------------------------------------------- Program -------------------------------------------------------- //

	prog, err := launcher.ResolveProgram(argv)
	if err != nil {
		return failure(log, "resolving hypervisor", err)
	}

	// --------------------------------------------- Expansion ------------------------------------------------------ //

	recorder := metrics.New()
	env := state.New(state.Options{
		RuntimeBaseDir: config.RuntimeBaseDir,
		TapScriptDir:   config.TapScriptDir,
		Log:            log,
	})

	expander := &macro.Expander{
		Env:       env,
		Log:       log.WithName("expander"),
		Recorder:  recorder,
		MaxPasses: config.MaxPasses,
	}

	prog.Args, err = expander.Expand(prog.Args)
	if err != nil {
		return failure(log, "expanding arguments", err)
	}

	// --------------------------------------------- Preparation ---------------------------------------------------- //

	runner := execcontext.NewRunner(execcontext.New(config.Env, config.PrependCmd))
	preparer := &prepare.Preparer{
		Bridges:         network.NewBridgeManager(runner),
		Firewall:        network.NewFirewallManager(runner),
		Routes:          network.NewNetlinkRouteFinder(),
		Images:          disk.NewImageManager(runner, disk.WithQemuImg(config.QemuImg)),
		TapTemplatePath: config.TapScriptTemplate,
		Log:             log.WithName("prepare"),
		Recorder:        recorder,
	}

	if err := preparer.Prepare(ctx, env); err != nil {
		if gs.Interrupted() {
			err = errors.Join(errInterrupted, err)
		}
		return failure(log, "preparing resources", err)
	}

	// --------------------------------------------- Launch --------------------------------------------------------- //

	recorder.ObserveLaunch(env.ID)
	if err := recorder.WriteTextfile(config.MetricsTextfile); err != nil {
		log.Error(err, "writing metrics textfile")
	}

	log.Info("starting hypervisor", "name", env.Name, "id", env.ID, "path", prog.Path)
	log.Info(launcher.FormatCommand(prog.Args))

	gs.Stop()
	return failure(log, "launching", launcher.Exec(prog, environ))
}

// failure logs the full error chain at debug level and returns err with msg.
func failure(log logr.Logger, msg string, err error) error {
	log.V(1).Info("failure detail", "step", msg, "error", fmt.Sprintf("%+v", err))
	return fmt.Errorf("%s: %w", msg, err)
}

// oneLine flattens joined errors into a single line.
func oneLine(err error) string {
	if err == nil {
		return "exited without replacing the process"
	}
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
