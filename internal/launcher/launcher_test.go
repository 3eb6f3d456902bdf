//go:build unit

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

package launcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHypervisor puts an executable named name on a fresh PATH.
func fakeHypervisor(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", dir)
	return path
}

func TestResolveProgram(t *testing.T) {
	for _, tc := range []struct {
		name string
		argv []string
		args []string
	}{
		{
			name: "alias",
			argv: []string{"/usr/local/bin/easy-qemu-system-x86_64", "-name", "vm1"},
			args: []string{"qemu-system-x86_64", "-name", "vm1"},
		},
		{
			name: "alias with extension",
			argv: []string{"/opt/bin/easy-qemu-system-x86_64.py", "-name", "vm1"},
			args: []string{"qemu-system-x86_64", "-name", "vm1"},
		},
		{
			name: "self",
			argv: []string{"easy-qemu", "qemu-system-x86_64", "-name", "vm1"},
			args: []string{"qemu-system-x86_64", "-name", "vm1"},
		},
		{
			name: "plain",
			argv: []string{"qemu-system-x86_64", "-m", "2G"},
			args: []string{"qemu-system-x86_64", "-m", "2G"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := fakeHypervisor(t, "qemu-system-x86_64")
			argv := append([]string(nil), tc.argv...)

			p, err := ResolveProgram(argv)
			require.NoError(t, err)
			assert.Equal(t, path, p.Path)
			assert.Equal(t, tc.args, p.Args)
			assert.Equal(t, tc.argv, argv)
		})
	}
}

func TestResolveProgram_Errors(t *testing.T) {
	fakeHypervisor(t, "qemu-system-x86_64")

	_, err := ResolveProgram(nil)
	assert.ErrorIs(t, err, ErrNoProgram)

	_, err = ResolveProgram([]string{"easy-qemu"})
	assert.ErrorIs(t, err, ErrNoProgram)

	_, err = ResolveProgram([]string{"easy-qemu-system-aarch64"})
	assert.ErrorIs(t, err, ErrLookPath)
}

func TestFormatCommand(t *testing.T) {
	got := FormatCommand([]string{
		"qemu-system-x86_64", "-name", "vm1", "-daemonize", "-spice", "unix=on,addr=/run/my vm/display.sock",
	})
	assert.Equal(t, "qemu-system-x86_64 \\\n  -name vm1 \\\n  -daemonize \\\n  -spice \"unix=on,addr=/run/my vm/display.sock\"", got)

	assert.Empty(t, FormatCommand(nil))
}

func TestExec_Failure(t *testing.T) {
	err := Exec(Program{
		Path: filepath.Join(t.TempDir(), "missing"),
		Args: []string{"missing"},
	}, nil)
	assert.ErrorIs(t, err, ErrExecProgram)
}
