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

// Package prepare turns the provisioning requests recorded during macro
// expansion into host resources: the runtime directory, bridges with their
// NAT rules, tap ifup scripts and disk images.
//
// Every step is idempotent against what a previous run left behind. The
// first hard failure aborts and nothing is rolled back.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alexandremahdhaoui/easy-qemu/internal/metrics"
	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/disk"
	"github.com/alexandremahdhaoui/easy-qemu/pkg/network"
	"github.com/go-logr/logr"
)

const (
	// DefaultTapTemplatePath is the ifup script shipped with QEMU on Debian
	// based systems.
	DefaultTapTemplatePath = "/etc/qemu-ifup"

	runtimeDirMode = 0o755

	resourceRuntimeDir = "runtime_dir"
	resourceBridge     = "bridge"
	resourceTapScript  = "tap_script"
	resourceImage      = "image"
	resourceSnapshot   = "snapshot"
)

var (
	ErrCreateRuntimeDir = errors.New("failed to create runtime directory")
	ErrReadTapTemplate  = errors.New("failed to read tap template")
	ErrPrepareNetwork   = errors.New("failed to prepare network")
	ErrPrepareTap       = errors.New("failed to prepare tap")
	ErrPrepareDisk      = errors.New("failed to prepare disk")
)

// Preparer provisions the resources of an expanded invocation.
type Preparer struct {
	Bridges  *network.BridgeManager
	Firewall *network.FirewallManager
	Routes   network.RouteFinder
	Images   *disk.ImageManager

	// TapTemplatePath is the ifup script customized for each tap. Empty
	// means DefaultTapTemplatePath.
	TapTemplatePath string

	Log      logr.Logger
	Recorder *metrics.Recorder
}

// Prepare provisions everything env requested, in order: runtime
// directory, networks, taps, disks.
func (p *Preparer) Prepare(ctx context.Context, env *state.Env) error {
	if err := p.prepareRuntimeDir(env); err != nil {
		return err
	}
	if err := p.prepareNetworks(ctx, env.Networks()); err != nil {
		return err
	}
	if err := p.prepareTaps(env.Taps()); err != nil {
		return err
	}
	return p.prepareDisks(ctx, env.Disks())
}

func (p *Preparer) prepareRuntimeDir(env *state.Env) error {
	if env.RuntimeDir == "" {
		return nil
	}
	_, statErr := os.Stat(env.RuntimeDir)
	if err := os.MkdirAll(env.RuntimeDir, runtimeDirMode); err != nil {
		return fmt.Errorf("%w %s: %w", ErrCreateRuntimeDir, env.RuntimeDir, err)
	}
	p.Log.V(1).Info("runtime directory ready", "path", env.RuntimeDir)
	p.Recorder.ObserveResource(resourceRuntimeDir, errors.Is(statErr, os.ErrNotExist))
	return nil
}

func (p *Preparer) prepareNetworks(ctx context.Context, networks []state.Network) error {
	if len(networks) == 0 {
		return nil
	}

	egress, err := p.Routes.DefaultRouteInterface()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrepareNetwork, err)
	}
	p.Log.V(1).Info("found default route", "interface", egress)

	for _, n := range networks {
		created, err := p.Bridges.Create(ctx, network.BridgeConfig{
			Name: n.Bridge,
			CIDR: n.CIDR,
			MAC:  n.MAC,
		})
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareNetwork, n.CIDR, err)
		}
		p.Recorder.ObserveResource(resourceBridge, created)
		if !created {
			p.Log.V(1).Info("bridge already exists", "bridge", n.Bridge, "cidr", n.CIDR)
			continue
		}

		if err := p.Firewall.AllowNAT(ctx, n.Bridge, n.CIDR, egress); err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareNetwork, n.CIDR, err)
		}
		p.Log.Info("created bridge", "bridge", n.Bridge, "cidr", n.CIDR, "egress", egress)
	}

	return nil
}

func (p *Preparer) prepareTaps(taps []state.Tap) error {
	if len(taps) == 0 {
		return nil
	}

	templatePath := p.TapTemplatePath
	if templatePath == "" {
		templatePath = DefaultTapTemplatePath
	}
	template, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadTapTemplate, templatePath, err)
	}

	for _, t := range taps {
		content, err := network.TapScript{Bridge: t.Bridge, MAC: t.MAC}.Render(template)
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareTap, t.Name, err)
		}
		written, err := network.WriteScript(t.ScriptPath, content)
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareTap, t.Name, err)
		}
		p.Recorder.ObserveResource(resourceTapScript, written)
		p.Log.V(1).Info("tap script ready", "tap", t.Name, "bridge", t.Bridge, "path", t.ScriptPath, "written", written)
	}

	return nil
}

func (p *Preparer) prepareDisks(ctx context.Context, disks []state.Disk) error {
	for _, d := range disks {
		created, err := p.Images.EnsureImage(ctx, d.File, d.SizeBytes)
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareDisk, d.File, err)
		}
		p.Recorder.ObserveResource(resourceImage, created)
		if created {
			p.Log.Info("created disk image", "path", d.File, "sizeBytes", d.SizeBytes)
		}

		if d.Snapshot == "" {
			continue
		}
		created, err = p.Images.EnsureOverlay(ctx, d.Snapshot, d.File)
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrPrepareDisk, d.Snapshot, err)
		}
		p.Recorder.ObserveResource(resourceSnapshot, created)
		if created {
			p.Log.Info("created snapshot", "path", d.Snapshot, "backingFile", d.File)
		}
	}

	return nil
}
