package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
)

var (
	ErrBridgeNameRequired = errors.New("bridge name is required")
	ErrCIDRRequired       = errors.New("CIDR is required")
	ErrCreateBridge       = errors.New("failed to create bridge")
	ErrAddBridgeIP        = errors.New("failed to add IP address to bridge")
	ErrBringBridgeUp      = errors.New("failed to bring bridge up")
)

// BridgeConfig contains network bridge configuration
type BridgeConfig struct {
	Name string // e.g., "br-4f0c2a1b"
	CIDR string // e.g., "10.0.0.1/24"
	MAC  string // optional, e.g., "02:00:00:AB:CD:EF"
}

// BridgeManager manages Linux network bridges through the 'ip' command.
type BridgeManager struct {
	runner execcontext.Runner
}

// NewBridgeManager creates a new BridgeManager
func NewBridgeManager(runner execcontext.Runner) *BridgeManager {
	return &BridgeManager{runner: runner}
}

// Create creates the bridge, assigns its address and brings it up with its
// MAC address.
//
// It reports false with a nil error when the bridge already exists; in that
// case the bridge is assumed to be configured by a previous run and nothing
// else is changed.
func (m *BridgeManager) Create(ctx context.Context, config BridgeConfig) (bool, error) {
	if config.Name == "" {
		return false, ErrBridgeNameRequired
	}
	if config.CIDR == "" {
		return false, ErrCIDRRequired
	}

	// ip link add name <name> type bridge
	out, err := m.runner.Run(ctx, "ip", "link", "add", "name", config.Name, "type", "bridge")
	if err != nil {
		if isAlreadyExists(out) {
			slog.Debug("bridge already exists", "bridge", config.Name)
			return false, nil
		}
		return false, fmt.Errorf("%w %s: %w", ErrCreateBridge, config.Name, err)
	}

	// ip addr add <cidr> dev <name>
	if _, err := m.runner.Run(ctx, "ip", "addr", "add", config.CIDR, "dev", config.Name); err != nil {
		return true, fmt.Errorf("%w %s: %w", ErrAddBridgeIP, config.Name, err)
	}

	// ip link set dev <name> [address <mac>] up
	args := []string{"link", "set", "dev", config.Name}
	if config.MAC != "" {
		args = append(args, "address", config.MAC)
	}
	args = append(args, "up")
	if _, err := m.runner.Run(ctx, "ip", args...); err != nil {
		return true, fmt.Errorf("%w %s: %w", ErrBringBridgeUp, config.Name, err)
	}

	return true, nil
}

// isAlreadyExists recognizes the diagnostics of 'ip' and 'brctl' for a
// device that already exists.
func isAlreadyExists(output []byte) bool {
	s := string(output)
	return strings.Contains(s, "File exists") || strings.Contains(s, "already exists")
}
