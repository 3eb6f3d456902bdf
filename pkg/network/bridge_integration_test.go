//go:build integration

package network_test

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/idgen"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/network"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

// Integration tests for bridge management. They need sudo and modify the
// host network.

func newSudoRunner() execcontext.Runner {
	return execcontext.NewRunner(execcontext.New(nil, []string{"sudo", "-n"}))
}

func TestBridgeManager_Create_Integration(t *testing.T) {
	runner := newSudoRunner()
	mgr := network.NewBridgeManager(runner)
	ctx := context.Background()

	// Linux interface names limited to 15 chars
	seed := uuid.NewString()
	config := network.BridgeConfig{
		Name: "br-" + idgen.ShortHash(seed),
		CIDR: "192.168.200.1/24",
		MAC:  idgen.DeriveMAC(seed),
	}

	created, err := mgr.Create(ctx, config)
	require.NoError(t, err)
	require.True(t, created)
	defer func() {
		_, _ = runner.Run(ctx, "ip", "link", "del", config.Name)
	}()

	link, err := netlink.LinkByName(config.Name)
	require.NoError(t, err)
	assert.Equal(t, "bridge", link.Type())
	assert.Equal(t, config.MAC, link.Attrs().HardwareAddr.String())

	// A second run finds the bridge and leaves it alone.
	created, err = mgr.Create(ctx, config)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestNetlinkRouteFinder_Integration(t *testing.T) {
	iface, err := network.NewNetlinkRouteFinder().DefaultRouteInterface()
	if err != nil {
		require.ErrorIs(t, err, network.ErrNoDefaultRoute)
		t.Skip("host has no default route")
	}

	_, err = netlink.LinkByName(iface)
	assert.NoError(t, err)
}
