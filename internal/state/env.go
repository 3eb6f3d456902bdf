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

// Package state holds the per-invocation environment threaded through macro
// expansion and consumed by resource preparation.
//
// An Env is created once at the start of a run and is never shared between
// runs. Macros record provisioning requests on it; nothing in this package
// touches the filesystem or the network.
package state

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/idgen"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	DefaultRuntimeBaseDir = "/var/run"
	DefaultTapScriptDir   = "/tmp"

	bridgePrefix  = "br-"
	tapPrefix     = "tap-"
	runtimePrefix = "qemu-"
	ifupPrefix    = "qemu-ifup-"
)

var (
	ErrNoID         = errors.New("VM id is not set")
	ErrNoRuntimeDir = errors.New("runtime directory is not set")
	ErrFileRequired = errors.New("disk file is required")
	ErrCIDRRequired = errors.New("CIDR is required")
)

// Options configures the filesystem layout derived by an Env.
type Options struct {
	// RuntimeBaseDir is the parent of every per-VM runtime directory.
	RuntimeBaseDir string
	// TapScriptDir receives the generated tap ifup scripts.
	TapScriptDir string
	// Log receives user-facing connection hints.
	Log logr.Logger
}

// Network is a bridge requested for a CIDR.
type Network struct {
	Bridge string
	CIDR   string
	MAC    string
}

// Tap is a tap device attached to a bridge through its ifup script.
type Tap struct {
	Name       string
	Bridge     string
	MAC        string
	ScriptPath string
}

// Disk is a backing image, optionally used through a copy-on-write snapshot.
type Disk struct {
	File      string
	SizeBytes int64  // 0 means the file must already exist
	Snapshot  string // empty when no snapshot was requested
}

// Env is the mutable state of one invocation.
type Env struct {
	Name       string
	ID         string
	RuntimeDir string
	UUID       uuid.UUID

	log  logr.Logger
	opts Options

	counters map[string]int
	networks map[string]Network
	taps     map[string]Tap
	disks    map[string]Disk

	macs     *idgen.MACStream
	reserved []string

	monitorConfigured bool
	videoConfigured   bool
	videoReserved     bool
	serialCount       int
}

// New returns an empty Env.
func New(opts Options) *Env {
	if opts.RuntimeBaseDir == "" {
		opts.RuntimeBaseDir = DefaultRuntimeBaseDir
	}
	if opts.TapScriptDir == "" {
		opts.TapScriptDir = DefaultTapScriptDir
	}
	return &Env{
		log:      opts.Log,
		opts:     opts,
		counters: make(map[string]int),
		networks: make(map[string]Network),
		taps:     make(map[string]Tap),
		disks:    make(map[string]Disk),
	}
}

// CaptureName derives the VM id, runtime directory and UUID from name. Only
// the first call has an effect; it reports whether this call captured it.
func (e *Env) CaptureName(name string) bool {
	if e.ID != "" {
		return false
	}

	e.Name = name
	e.ID = idgen.ShortHash(name)
	e.RuntimeDir = filepath.Join(e.opts.RuntimeBaseDir, runtimePrefix+e.ID)
	e.UUID = idgen.NameUUID(name)

	e.macs = idgen.NewMACStream(e.ID)
	for _, mac := range e.reserved {
		e.macs.Reserve(mac)
	}

	e.log.V(1).Info("captured VM name", "name", name, "id", e.ID, "runtimeDir", e.RuntimeDir)
	return true
}

// HasID reports whether a VM name was captured.
func (e *Env) HasID() bool {
	return e.ID != ""
}

// NextID returns name followed by the current value of its counter, then
// advances the counter by inc. A counter not seen before starts at init.
func (e *Env) NextID(name string, inc, init int) string {
	current, ok := e.counters[name]
	if !ok {
		current = init
	}
	e.counters[name] = current + inc
	return name + strconv.Itoa(current)
}

// AddNetwork records the bridge serving cidr. The bridge name and MAC are
// pure functions of cidr, so repeated requests return the same Network.
func (e *Env) AddNetwork(cidr string) (Network, error) {
	if cidr == "" {
		return Network{}, ErrCIDRRequired
	}

	bridge := bridgePrefix + idgen.ShortHash(cidr)
	if n, ok := e.networks[bridge]; ok {
		return n, nil
	}

	n := Network{
		Bridge: bridge,
		CIDR:   cidr,
		MAC:    idgen.DeriveMAC(cidr),
	}
	e.networks[bridge] = n
	e.reserve(n.MAC)
	return n, nil
}

// AddTap allocates a new tap device on bridge. Every call yields a distinct
// tap, even for a shared bridge.
func (e *Env) AddTap(bridge string) (Tap, error) {
	if !e.HasID() {
		return Tap{}, ErrNoID
	}

	name := tapPrefix + idgen.ShortHash(e.ID+"/"+strconv.Itoa(len(e.taps)))
	t := Tap{
		Name:       name,
		Bridge:     bridge,
		MAC:        idgen.DeriveMAC(name),
		ScriptPath: filepath.Join(e.opts.TapScriptDir, ifupPrefix+name),
	}
	e.taps[name] = t
	e.reserve(t.MAC)
	return t, nil
}

// AddDisk records a disk request and returns the path the hypervisor must
// open: the snapshot when one is requested, the file otherwise. A snapshot
// needs the VM id; a repeated file merges into the existing request.
func (e *Env) AddDisk(file string, sizeBytes int64, snapshot bool) (string, error) {
	if file == "" {
		return "", ErrFileRequired
	}
	if snapshot && !e.HasID() {
		return "", ErrNoID
	}

	d := e.disks[file]
	d.File = file
	if sizeBytes > 0 {
		d.SizeBytes = sizeBytes
	}
	if snapshot {
		d.Snapshot = e.snapshotPath(file)
	}
	e.disks[file] = d

	if snapshot {
		return d.Snapshot, nil
	}
	return file, nil
}

// snapshotPath inserts a hash of the file and the VM id before the
// extension, so each VM gets its own overlay next to the backing file.
func (e *Env) snapshotPath(file string) string {
	ext := filepath.Ext(file)
	return strings.TrimSuffix(file, ext) + "-" + idgen.ShortHash(file+e.ID) + ext
}

// NextMAC issues the next guest MAC address of this VM.
func (e *Env) NextMAC() (string, error) {
	if !e.HasID() {
		return "", ErrNoID
	}
	return e.macs.Next(), nil
}

// NextSerial returns the index of the next serial port.
func (e *Env) NextSerial() (int, error) {
	if e.RuntimeDir == "" {
		return 0, ErrNoRuntimeDir
	}
	n := e.serialCount
	e.serialCount++
	return n, nil
}

// ClaimMonitor reports true the first time it is called.
func (e *Env) ClaimMonitor() bool {
	if e.monitorConfigured {
		return false
	}
	e.monitorConfigured = true
	return true
}

// ClaimVideo reports true the first time it is called.
func (e *Env) ClaimVideo() bool {
	if e.videoConfigured {
		return false
	}
	e.videoConfigured = true
	return true
}

// ReserveVideo holds the video slot for a display that waits for the runtime
// directory. Only ClaimVideo can still take a reserved slot.
func (e *Env) ReserveVideo() {
	if !e.videoConfigured {
		e.videoReserved = true
	}
}

// VideoReserved reports whether a deferred display holds the video slot.
func (e *Env) VideoReserved() bool {
	return e.videoReserved
}

// RuntimePath joins elem to the runtime directory.
func (e *Env) RuntimePath(elem string) (string, error) {
	if e.RuntimeDir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(e.RuntimeDir, elem), nil
}

// Hint logs a message meant for the user, such as how to reach a socket.
func (e *Env) Hint(msg string, keysAndValues ...any) {
	e.log.Info(msg, keysAndValues...)
}

// Networks returns the requested bridges ordered by name.
func (e *Env) Networks() []Network {
	return sortedValues(e.networks)
}

// Taps returns the requested taps ordered by name.
func (e *Env) Taps() []Tap {
	return sortedValues(e.taps)
}

// Disks returns the requested disks ordered by file.
func (e *Env) Disks() []Disk {
	return sortedValues(e.disks)
}

func (e *Env) reserve(mac string) {
	e.reserved = append(e.reserved, mac)
	if e.macs != nil {
		e.macs.Reserve(mac)
	}
}

func sortedValues[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}

// String renders a short summary for debug logs.
func (e *Env) String() string {
	return fmt.Sprintf("name=%q id=%q networks=%d taps=%d disks=%d serials=%d",
		e.Name, e.ID, len(e.networks), len(e.taps), len(e.disks), e.serialCount)
}
