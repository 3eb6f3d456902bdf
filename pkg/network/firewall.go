package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
)

var (
	ErrEgressRequired  = errors.New("egress interface is required")
	ErrAddFirewallRule = errors.New("failed to add firewall rule")
)

// FirewallManager installs iptables rules for bridged networks.
type FirewallManager struct {
	runner execcontext.Runner
}

// NewFirewallManager creates a new FirewallManager
func NewFirewallManager(runner execcontext.Runner) *FirewallManager {
	return &FirewallManager{runner: runner}
}

// AllowNAT masquerades traffic from cidr leaving through egress and lets the
// bridge forward outbound traffic and inbound replies.
func (m *FirewallManager) AllowNAT(ctx context.Context, bridge, cidr, egress string) error {
	if bridge == "" {
		return ErrBridgeNameRequired
	}
	if cidr == "" {
		return ErrCIDRRequired
	}
	if egress == "" {
		return ErrEgressRequired
	}

	for _, rule := range natRules(bridge, cidr, egress) {
		if _, err := m.runner.Run(ctx, "iptables", rule...); err != nil {
			return fmt.Errorf("%w for bridge %s: %w", ErrAddFirewallRule, bridge, err)
		}
	}

	return nil
}

func natRules(bridge, cidr, egress string) [][]string {
	return [][]string{
		{"-t", "nat", "-A", "POSTROUTING", "-s", cidr, "-o", egress, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-i", bridge, "-j", "ACCEPT"},
		{"-A", "FORWARD", "-i", egress, "-o", bridge, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
}
