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

// Package network provisions the host side of VM networking.
//
// The package includes:
//
//   - BridgeManager: creates Linux bridges and assigns their address and MAC
//   - FirewallManager: installs the NAT/forwarding rules of a bridge
//   - RouteFinder: discovers the default-route interface used as NAT egress
//   - TapScript: renders per-tap "ifup" scripts from a template
//
// # Manager Pattern
//
// Managers follow a consistent pattern:
//   - Constructor injection of an execcontext.Runner
//   - Methods that accept context.Context
//   - Idempotent Create operations: a resource that already exists is
//     reported, not treated as an error
//
// # Example Usage
//
//	runner := execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}))
//	bridges := network.NewBridgeManager(runner)
//
//	created, err := bridges.Create(ctx, network.BridgeConfig{
//	    Name: "br-4f0c2a1b",
//	    CIDR: "10.0.0.1/24",
//	    MAC:  "02:00:00:AB:CD:EF",
//	})
//	if err != nil {
//	    // handle error
//	}
//	if created {
//	    egress, err := network.NewNetlinkRouteFinder().DefaultRouteInterface()
//	    // ...
//	    err = network.NewFirewallManager(runner).AllowNAT(ctx, "br-4f0c2a1b", "10.0.0.1/24", egress)
//	}
package network
