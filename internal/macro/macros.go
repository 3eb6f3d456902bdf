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

package macro

import (
	"fmt"

	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
)

const (
	gib = int64(1) << 30

	defaultCores   = 2
	defaultThreads = 1
	defaultSockets = 1

	videoVGA    = "vga"
	videoVirtio = "virtio"
	videoQXL    = "qxl"

	snapFlag = "snap"
)

// Result is the outcome of one macro invocation.
type Result struct {
	// Replacement is spliced in place of the token. An empty replacement
	// removes the token.
	Replacement string
	// Extra arguments are inserted into the argument vector right after the
	// argument holding the token.
	Extra []string
	// Deferred leaves the token untouched because a precondition, such as
	// the VM name, is not known yet.
	Deferred bool
}

// Macro expands one token.
type Macro interface {
	Expand(args Args, env *state.Env) (Result, error)
}

// Func adapts a function to the Macro interface.
type Func func(args Args, env *state.Env) (Result, error)

// Expand implements Macro.
func (f Func) Expand(args Args, env *state.Env) (Result, error) {
	return f(args, env)
}

var registry = map[Kind]Macro{
	KindID:       Func(expandID),
	KindRuntime:  Func(expandRuntime),
	KindBridge:   Func(expandBridge),
	KindNet:      Func(expandNet),
	KindMAC:      Func(expandMAC),
	KindHDD:      Func(expandHDD),
	KindSnap:     Func(expandSnap),
	KindCPU:      Func(expandCPU),
	KindCD:       Func(expandCD),
	KindSerial:   Func(expandSerial),
	KindMonitor:  Func(expandMonitor),
	KindVideo:    Func(expandVideo),
	KindDefaults: Func(expandDefaults),
}

// Lookup returns the implementation of k.
func Lookup(k Kind) (Macro, error) {
	m, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnregisteredKind, k)
	}
	return m, nil
}

var deferred = Result{Deferred: true}

func replace(s string) Result {
	return Result{Replacement: s}
}

func removeWith(extra ...string) Result {
	return Result{Extra: extra}
}

func required(args Args, i int, what string) (string, error) {
	v := args.String(i, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, what)
	}
	return v, nil
}

// {id,name,inc,init}
func expandID(args Args, env *state.Env) (Result, error) {
	name, err := required(args, 0, "name")
	if err != nil {
		return Result{}, err
	}
	inc, err := args.Int(1, 0)
	if err != nil {
		return Result{}, err
	}
	init, err := args.Int(2, 0)
	if err != nil {
		return Result{}, err
	}
	return replace(env.NextID(name, inc, init)), nil
}

// {runtime}
func expandRuntime(_ Args, env *state.Env) (Result, error) {
	if env.RuntimeDir == "" {
		return deferred, nil
	}
	return replace(env.RuntimeDir), nil
}

// {br,cidr}
func expandBridge(args Args, env *state.Env) (Result, error) {
	cidr, err := required(args, 0, "cidr")
	if err != nil {
		return Result{}, err
	}
	n, err := env.AddNetwork(cidr)
	if err != nil {
		return Result{}, err
	}
	return replace(n.Bridge), nil
}

// {net,cidr}
func expandNet(args Args, env *state.Env) (Result, error) {
	cidr, err := required(args, 0, "cidr")
	if err != nil {
		return Result{}, err
	}
	if !env.HasID() {
		return deferred, nil
	}

	n, err := env.AddNetwork(cidr)
	if err != nil {
		return Result{}, err
	}
	tap, err := env.AddTap(n.Bridge)
	if err != nil {
		return Result{}, err
	}

	return removeWith(
		"-netdev", fmt.Sprintf("tap,id={id,net},ifname=%s,script=%s,downscript=no", tap.Name, tap.ScriptPath),
		"-device", "virtio-net-pci,netdev={id,net,1},mac={mac}",
	), nil
}

// {mac}
func expandMAC(_ Args, env *state.Env) (Result, error) {
	if !env.HasID() {
		return deferred, nil
	}
	mac, err := env.NextMAC()
	if err != nil {
		return Result{}, err
	}
	return replace(mac), nil
}

// {hdd,file,size_gb,snap}
func expandHDD(args Args, env *state.Env) (Result, error) {
	file, err := required(args, 0, "file")
	if err != nil {
		return Result{}, err
	}
	sizeGB, err := args.Int(1, 0)
	if err != nil {
		return Result{}, err
	}
	if sizeGB < 0 {
		return Result{}, fmt.Errorf("%w: size %d", ErrInvalidArgument, sizeGB)
	}
	mode := args.String(2, "")
	if mode != "" && mode != snapFlag {
		return Result{}, fmt.Errorf("%w: disk mode %q, want %q", ErrInvalidArgument, mode, snapFlag)
	}
	snapshot := mode == snapFlag
	if snapshot && !env.HasID() {
		return deferred, nil
	}

	path, err := env.AddDisk(file, int64(sizeGB)*gib, snapshot)
	if err != nil {
		return Result{}, err
	}

	return removeWith(
		"-blockdev", fmt.Sprintf("qcow2,node-name={id,block},file.driver=file,file.filename=%s", path),
		"-device", "virtio-blk-pci,drive={id,block,1},{id,bootindex=,1}",
	), nil
}

// {snap,file}
func expandSnap(args Args, env *state.Env) (Result, error) {
	file, err := required(args, 0, "file")
	if err != nil {
		return Result{}, err
	}
	if !env.HasID() {
		return deferred, nil
	}
	path, err := env.AddDisk(file, 0, true)
	if err != nil {
		return Result{}, err
	}
	return replace(path), nil
}

// {cpu,cores,threads,sockets}
func expandCPU(args Args, _ *state.Env) (Result, error) {
	cores, err := args.Int(0, defaultCores)
	if err != nil {
		return Result{}, err
	}
	threads, err := args.Int(1, defaultThreads)
	if err != nil {
		return Result{}, err
	}
	sockets, err := args.Int(2, defaultSockets)
	if err != nil {
		return Result{}, err
	}
	if cores < 1 || threads < 1 || sockets < 1 {
		return Result{}, fmt.Errorf("%w: cores=%d threads=%d sockets=%d must be positive",
			ErrInvalidArgument, cores, threads, sockets)
	}

	return removeWith(
		"-smp", fmt.Sprintf("%d,sockets=%d,cores=%d,threads=%d", cores*threads*sockets, sockets, cores, threads),
	), nil
}

// {cd,iso}
func expandCD(args Args, _ *state.Env) (Result, error) {
	iso, err := required(args, 0, "iso")
	if err != nil {
		return Result{}, err
	}
	return removeWith(
		"-drive", fmt.Sprintf("id={id,drive},if=none,format=raw,file=%s", iso),
		"-device", "ide-cd,drive={id,drive,1},bus={id,ide.,1,1},{id,bootindex=,1}",
	), nil
}

// {serial}
func expandSerial(_ Args, env *state.Env) (Result, error) {
	if env.RuntimeDir == "" {
		return deferred, nil
	}
	n, err := env.NextSerial()
	if err != nil {
		return Result{}, err
	}
	sock, err := env.RuntimePath(fmt.Sprintf("serial-%d.sock", n))
	if err != nil {
		return Result{}, err
	}

	env.Hint("You can connect to the serial port", "port", n, "command", "minicom -D unix#"+sock)

	return removeWith(
		"-chardev", fmt.Sprintf("socket,id={id,char},path=%s,server=on,wait=off", sock),
		"-device", "isa-serial,chardev={id,char,1}",
	), nil
}

// {monitor}
func expandMonitor(_ Args, env *state.Env) (Result, error) {
	if env.RuntimeDir == "" {
		return deferred, nil
	}
	if !env.ClaimMonitor() {
		return replace(""), nil
	}
	sock, err := env.RuntimePath("monitor.sock")
	if err != nil {
		return Result{}, err
	}

	env.Hint("You can connect to the qemu monitor", "command", "minicom -D unix#"+sock)

	return removeWith(
		"-chardev", fmt.Sprintf("socket,id={id,char},path=%s,server=on,wait=off", sock),
		"-mon", "chardev={id,char,1}",
	), nil
}

// {video,driver}
func expandVideo(args Args, env *state.Env) (Result, error) {
	driver := args.String(0, "")
	if driver == videoQXL && env.RuntimeDir == "" {
		env.ReserveVideo()
		return deferred, nil
	}
	// A deferred qxl display came first and keeps the slot.
	if driver != videoQXL && env.VideoReserved() {
		return replace(""), nil
	}
	if !env.ClaimVideo() {
		return replace(""), nil
	}

	switch driver {
	case videoVGA:
		return removeWith(append(usbTablet(), "-device", "VGA,vgamem_mb=64")...), nil
	case videoVirtio:
		return removeWith(append(usbTablet(), "-device", "virtio-gpu-pci")...), nil
	case videoQXL:
		display, err := env.RuntimePath("display.sock")
		if err != nil {
			return Result{}, err
		}
		env.Hint("You can connect to the display, use Shift+F12 to exit fullscreen",
			"command", fmt.Sprintf("spicy --uri=spice+unix://%s --title=%s", display, env.Name))
		return removeWith(append(usbTablet(), spice(display)...)...), nil
	default:
		return removeWith("-nographic"), nil
	}
}

func usbTablet() []string {
	return []string{
		"-device", "ich9-usb-ehci1,id=usb",
		"-device", "ich9-usb-uhci1,masterbus=usb.0,firstport=0,multifunction=on",
		"-device", "ich9-usb-uhci2,masterbus=usb.0,firstport=2",
		"-device", "ich9-usb-uhci3,masterbus=usb.0,firstport=4",
		"-device", "usb-tablet",
	}
}

func spice(display string) []string {
	return []string{
		"-device", "qxl-vga,vgamem_mb=64,max_outputs=1",
		"-spice", fmt.Sprintf("unix=on,addr=%s,disable-ticketing=on,image-compression=off,seamless-migration=on", display),
		"-chardev", "spicevmc,id={id,char},debug=0,name=vdagent",
		"-device", "virtio-serial-pci",
		"-device", "virtserialport,chardev={id,char,1},name=com.redhat.spice.0",
		"-chardev", "spicevmc,id={id,char},debug=0,name=usbredir",
		"-device", "usb-redir,chardev={id,char,1}",
		"-chardev", "spicevmc,id={id,char},debug=0,name=usbredir",
		"-device", "usb-redir,chardev={id,char,1}",
	}
}

// {defaults}
func expandDefaults(_ Args, env *state.Env) (Result, error) {
	if env.RuntimeDir == "" {
		return deferred, nil
	}
	pidfile, err := env.RuntimePath("process.pid")
	if err != nil {
		return Result{}, err
	}

	return removeWith(
		"-cpu", "host",
		"-boot", "order=cd,menu=on",
		"-nodefaults",
		"-no-user-config",
		"-machine", "q35,accel=kvm,vmport=off,dump-guest-core=off,hpet=off",
		"-object", "rng-random,id={id,obj},filename=/dev/urandom",
		"-device", "virtio-rng-pci,rng={id,obj,1}",
		"-device", "virtio-balloon-pci",
		"-uuid", env.UUID.String(),
		"-pidfile", pidfile,
		"-daemonize",
		"-k", "pt",
	), nil
}
