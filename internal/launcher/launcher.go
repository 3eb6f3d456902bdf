// Copyright 2024 Alexandre Mahdhaoui
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

// Package launcher resolves the hypervisor executable and replaces the
// current process with it.
package launcher

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
	"golang.org/x/sys/unix"
)

const (
	// SelfName is the name under which the first argument names the
	// hypervisor: "easy-qemu qemu-system-x86_64 ...".
	SelfName = "easy-qemu"

	aliasPrefix = "easy-"

	continuation = " \\\n  "
)

var (
	ErrNoProgram   = errors.New("no hypervisor program given")
	ErrLookPath    = errors.New("hypervisor not found in PATH")
	ErrExecProgram = errors.New("failed to execute hypervisor")
)

// Program is a resolved hypervisor invocation.
type Program struct {
	// Path is the executable to run.
	Path string
	// Args is the argument vector; Args[0] is the bare program name.
	Args []string
}

// ResolveProgram maps the invocation argv to the hypervisor to run.
//
//   - easy-qemu qemu-system-x86_64 ...: the first argument is the hypervisor.
//   - easy-qemu-system-x86_64 ...: the name without its "easy-" prefix and
//     its extension is.
//   - anything else runs argv[0] itself.
//
// argv is not modified.
func ResolveProgram(argv []string) (Program, error) {
	if len(argv) == 0 {
		return Program{}, ErrNoProgram
	}

	args := slices.Clone(argv)
	base := filepath.Base(args[0])

	switch {
	case base == SelfName:
		if len(args) < 2 || args[1] == "" {
			return Program{}, fmt.Errorf("%w: usage: %s <hypervisor> [args...]", ErrNoProgram, SelfName)
		}
		args = args[1:]
	case strings.HasPrefix(base, aliasPrefix):
		name := strings.TrimPrefix(base, aliasPrefix)
		args[0] = strings.TrimSuffix(name, filepath.Ext(name))
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return Program{}, fmt.Errorf("%w: %s: %w", ErrLookPath, args[0], err)
	}
	args[0] = filepath.Base(args[0])

	return Program{Path: path, Args: args}, nil
}

// FormatCommand renders args as a shell command with one option per line.
func FormatCommand(args []string) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			if strings.HasPrefix(a, "-") {
				sb.WriteString(continuation)
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(execcontext.Quote(a))
	}
	return sb.String()
}

// Exec replaces the current process with p. It only returns on failure.
func Exec(p Program, env []string) error {
	if err := unix.Exec(p.Path, p.Args, env); err != nil {
		return fmt.Errorf("%w %s: %w", ErrExecProgram, p.Path, err)
	}
	return nil
}
