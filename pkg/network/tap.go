package network

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var (
	ErrTapTemplateNoSwitch = errors.New("tap template has no switch= assignment")
	ErrTapTemplateNoLinkUp = errors.New(`tap template has no 'ip link set "$1" up' step`)
	ErrTapScriptPathEmpty  = errors.New("tap script path is required")
	ErrWriteTapScript      = errors.New("failed to write tap script")
)

var (
	// switchRe matches the bridge assignment of a qemu-ifup script, either a
	// plain value, a one-line $(...) or the multi-line $( ... ) form used by
	// Debian's /etc/qemu-ifup.
	switchRe = regexp.MustCompile(`(?ms)^switch=(?:\$\([^\n]*\)|\$\(.*?^[ \t]*\)|[^\n]*)[ \t]*$`)

	linkUpRe = regexp.MustCompile(`(?m)^([ \t]*ip link set "?\$1"?) up[ \t]*$`)
)

// TapScript describes the ifup script of one tap device.
type TapScript struct {
	Bridge string // bridge the tap joins
	MAC    string // host-side address of the tap
}

// Render rewrites template so the tap joins s.Bridge and comes up with s.MAC.
func (s TapScript) Render(template []byte) ([]byte, error) {
	if s.Bridge == "" {
		return nil, ErrBridgeNameRequired
	}
	if !switchRe.Match(template) {
		return nil, ErrTapTemplateNoSwitch
	}
	if !linkUpRe.Match(template) {
		return nil, ErrTapTemplateNoLinkUp
	}

	out := switchRe.ReplaceAllLiteral(template, []byte("switch="+s.Bridge))

	linkUp := []byte("${1} up")
	if s.MAC != "" {
		linkUp = []byte("${1} address " + s.MAC + " up")
	}
	return linkUpRe.ReplaceAll(out, linkUp), nil
}

// WriteScript writes content to path with mode 0755. It reports false when
// path already holds exactly that content.
func WriteScript(path string, content []byte) (bool, error) {
	if path == "" {
		return false, ErrTapScriptPathEmpty
	}

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrWriteTapScript, path, err)
	}
	if err := os.WriteFile(path, content, 0o755); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrWriteTapScript, path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrWriteTapScript, path, err)
	}

	return true, nil
}
