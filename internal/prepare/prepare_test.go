//go:build unit

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

package prepare_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/easy-qemu/internal/metrics"
	"github.com/alexandremahdhaoui/easy-qemu/internal/prepare"
	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
	"github.com/alexandremahdhaoui/easy-qemu/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/disk"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tapTemplate = `#!/bin/sh
switch=br0
ip link set "$1" up
ip link set "$1" master "$switch"
`

type fakeRoutes struct {
	iface string
	err   error
	calls int
}

func (f *fakeRoutes) DefaultRouteInterface() (string, error) {
	f.calls++
	return f.iface, f.err
}

type fixture struct {
	dir      string
	runner   *runnerfake.Fake
	routes   *fakeRoutes
	recorder *metrics.Recorder
	preparer *prepare.Preparer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	template := filepath.Join(dir, "qemu-ifup")
	require.NoError(t, os.WriteFile(template, []byte(tapTemplate), 0o644))

	f := &fixture{
		dir:      dir,
		runner:   runnerfake.New(),
		routes:   &fakeRoutes{iface: "eth0"},
		recorder: metrics.New(),
	}
	f.preparer = &prepare.Preparer{
		Bridges:         network.NewBridgeManager(f.runner),
		Firewall:        network.NewFirewallManager(f.runner),
		Routes:          f.routes,
		Images:          disk.NewImageManager(f.runner),
		TapTemplatePath: template,
		Recorder:        f.recorder,
	}
	return f
}

func (f *fixture) env(t *testing.T) *state.Env {
	t.Helper()
	env := state.New(state.Options{
		RuntimeBaseDir: filepath.Join(f.dir, "run"),
		TapScriptDir:   filepath.Join(f.dir, "scripts"),
	})
	env.CaptureName("vm1")
	return env
}

func TestPrepare_Empty(t *testing.T) {
	f := newFixture(t)
	env := state.New(state.Options{RuntimeBaseDir: f.dir})

	require.NoError(t, f.preparer.Prepare(context.Background(), env))
	assert.Empty(t, f.runner.Calls())
	assert.Zero(t, f.routes.calls)
}

func TestPrepare_RuntimeDir(t *testing.T) {
	f := newFixture(t)
	env := f.env(t)

	require.NoError(t, f.preparer.Prepare(context.Background(), env))
	info, err := os.Stat(env.RuntimeDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directory.
	require.NoError(t, f.preparer.Prepare(context.Background(), env))
}

func TestPrepare_Network(t *testing.T) {
	f := newFixture(t)
	env := f.env(t)

	n, err := env.AddNetwork("10.0.0.1/24")
	require.NoError(t, err)
	tap, err := env.AddTap(n.Bridge)
	require.NoError(t, err)

	require.NoError(t, f.preparer.Prepare(context.Background(), env))

	assert.Equal(t, []string{
		"ip link add name " + n.Bridge + " type bridge",
		"ip addr add 10.0.0.1/24 dev " + n.Bridge,
		"ip link set dev " + n.Bridge + " address " + n.MAC + " up",
		"iptables -t nat -A POSTROUTING -s 10.0.0.1/24 -o eth0 -j MASQUERADE",
		"iptables -A FORWARD -i " + n.Bridge + " -j ACCEPT",
		"iptables -A FORWARD -i eth0 -o " + n.Bridge + " -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT",
	}, f.runner.Calls())

	script, err := os.ReadFile(tap.ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "switch="+n.Bridge+"\n")
	assert.Contains(t, string(script), `ip link set "$1" address `+tap.MAC+" up")

	info, err := os.Stat(tap.ScriptPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestPrepare_ExistingBridge(t *testing.T) {
	f := newFixture(t)
	f.runner.AppendExpectation(runnerfake.Expectation{
		Prefix: "ip link add",
		Output: "RTNETLINK answers: File exists",
		Fail:   true,
	})
	env := f.env(t)
	_, err := env.AddNetwork("10.0.0.1/24")
	require.NoError(t, err)

	require.NoError(t, f.preparer.Prepare(context.Background(), env))

	assert.Len(t, f.runner.Calls(), 1)
	assert.Empty(t, f.runner.CallsWithPrefix("iptables"))
	assert.Equal(t, 1.0, resourceCount(t, f.recorder, "bridge", metrics.OutcomeExisting))
}

func TestPrepare_NoDefaultRoute(t *testing.T) {
	f := newFixture(t)
	f.routes.err = network.ErrNoDefaultRoute
	env := f.env(t)
	_, err := env.AddNetwork("10.0.0.1/24")
	require.NoError(t, err)

	err = f.preparer.Prepare(context.Background(), env)
	assert.ErrorIs(t, err, prepare.ErrPrepareNetwork)
	assert.ErrorIs(t, err, network.ErrNoDefaultRoute)
	assert.Empty(t, f.runner.Calls())
}

func TestPrepare_BridgeFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.AppendExpectation(runnerfake.Expectation{
		Prefix: "ip addr add",
		Output: "Error: ipv4: Address already assigned.",
		Fail:   true,
	})
	env := f.env(t)
	_, err := env.AddNetwork("10.0.0.1/24")
	require.NoError(t, err)
	_, err = env.AddNetwork("10.1.0.1/24")
	require.NoError(t, err)

	err = f.preparer.Prepare(context.Background(), env)
	assert.ErrorIs(t, err, network.ErrAddBridgeIP)
	assert.Len(t, f.runner.Calls(), 2, "the first hard failure stops provisioning")
}

func TestPrepare_TapTemplate(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)
		f.preparer.TapTemplatePath = filepath.Join(f.dir, "nope")
		env := f.env(t)
		_, err := env.AddTap("br-1")
		require.NoError(t, err)

		err = f.preparer.Prepare(context.Background(), env)
		assert.ErrorIs(t, err, prepare.ErrReadTapTemplate)
	})

	t.Run("without switch", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.WriteFile(f.preparer.TapTemplatePath, []byte("#!/bin/sh\n"), 0o644))
		env := f.env(t)
		_, err := env.AddTap("br-1")
		require.NoError(t, err)

		err = f.preparer.Prepare(context.Background(), env)
		assert.ErrorIs(t, err, prepare.ErrPrepareTap)
		assert.ErrorIs(t, err, network.ErrTapTemplateNoSwitch)
	})

	t.Run("unchanged script", func(t *testing.T) {
		f := newFixture(t)
		env := f.env(t)
		_, err := env.AddTap("br-1")
		require.NoError(t, err)

		require.NoError(t, f.preparer.Prepare(context.Background(), env))
		require.NoError(t, f.preparer.Prepare(context.Background(), env))

		assert.Equal(t, 1.0, resourceCount(t, f.recorder, "tap_script", metrics.OutcomeCreated))
		assert.Equal(t, 1.0, resourceCount(t, f.recorder, "tap_script", metrics.OutcomeExisting))
	})
}

func TestPrepare_Disks(t *testing.T) {
	f := newFixture(t)
	env := f.env(t)

	backing := filepath.Join(f.dir, "vm1.img")
	snapshot, err := env.AddDisk(backing, 40<<30, true)
	require.NoError(t, err)

	require.NoError(t, f.preparer.Prepare(context.Background(), env))
	assert.Equal(t, []string{
		"qemu-img create -f qcow2 " + backing + " 42949672960",
		"qemu-img create -f qcow2 -b " + backing + " -F qcow2 " + snapshot,
	}, f.runner.Calls())

	// A second run finds both images and creates nothing.
	require.NoError(t, os.WriteFile(backing, nil, 0o644))
	require.NoError(t, os.WriteFile(snapshot, nil, 0o644))

	second := runnerfake.New()
	f.preparer.Images = disk.NewImageManager(second)
	require.NoError(t, f.preparer.Prepare(context.Background(), env))
	assert.Empty(t, second.Calls())
}

func TestPrepare_DiskWithoutSize(t *testing.T) {
	f := newFixture(t)
	env := f.env(t)
	_, err := env.AddDisk(filepath.Join(f.dir, "missing.img"), 0, false)
	require.NoError(t, err)

	err = f.preparer.Prepare(context.Background(), env)
	assert.ErrorIs(t, err, prepare.ErrPrepareDisk)
	assert.ErrorIs(t, err, disk.ErrSizeRequired)
}

func TestPrepare_Order(t *testing.T) {
	f := newFixture(t)
	env := f.env(t)

	n, err := env.AddNetwork("10.0.0.1/24")
	require.NoError(t, err)
	_, err = env.AddTap(n.Bridge)
	require.NoError(t, err)
	_, err = env.AddDisk(filepath.Join(f.dir, "vm1.img"), 1<<30, false)
	require.NoError(t, err)

	require.NoError(t, f.preparer.Prepare(context.Background(), env))

	calls := f.runner.Calls()
	require.NotEmpty(t, calls)
	assert.True(t, strings.HasPrefix(calls[0], "ip link add"))
	assert.True(t, strings.HasPrefix(calls[len(calls)-1], "qemu-img create"))
}

// resourceCount reads one series of the resources counter.
func resourceCount(t *testing.T, r *metrics.Recorder, kind, outcome string) float64 {
	t.Helper()

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "easy_qemu_resources_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == kind && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
