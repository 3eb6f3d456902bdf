package macro

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMacro     = errors.New("unknown macro")
	ErrMissingArgument  = errors.New("missing argument")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoFixedPoint     = errors.New("expansion did not reach a fixed point")
	ErrUnresolvedMacro  = errors.New("unresolved macro")
	errUnregisteredKind = errors.New("macro kind has no implementation")
)

// Kind enumerates the closed set of macros.
type Kind int

const (
	KindID Kind = iota + 1
	KindRuntime
	KindBridge
	KindNet
	KindMAC
	KindHDD
	KindSnap
	KindCPU
	KindCD
	KindSerial
	KindMonitor
	KindVideo
	KindDefaults
)

var kindNames = map[Kind]string{
	KindID:       "id",
	KindRuntime:  "runtime",
	KindBridge:   "br",
	KindNet:      "net",
	KindMAC:      "mac",
	KindHDD:      "hdd",
	KindSnap:     "snap",
	KindCPU:      "cpu",
	KindCD:       "cd",
	KindSerial:   "serial",
	KindMonitor:  "monitor",
	KindVideo:    "video",
	KindDefaults: "defaults",
}

var kindsByName = func() map[string]Kind {
	out := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		out[name] = k
	}
	return out
}()

// ParseKind returns the Kind named name.
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownMacro, name)
	}
	return k, nil
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}
