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
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/internal/metrics"
	"github.com/alexandremahdhaoui/easy-qemu/internal/state"
	"github.com/go-logr/logr"
)

const (
	DefaultMaxPasses = 64

	nameFlag  = "-name"
	guestKey  = "guest="
	optionSep = ","
)

// Expander rewrites an argument vector until no macro changes it anymore.
type Expander struct {
	Env      *state.Env
	Log      logr.Logger
	Recorder *metrics.Recorder
	// MaxPasses bounds the number of passes. Zero means DefaultMaxPasses.
	MaxPasses int
}

// Expand returns args with every macro resolved. args[0] is the program and
// is never expanded. The input slice is not modified.
func (x *Expander) Expand(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}

	maxPasses := x.MaxPasses
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}

	current := slices.Clone(args)
	for pass := 1; pass <= maxPasses; pass++ {
		next, changed, err := x.pass(current)
		if err != nil {
			return nil, err
		}
		current = next

		x.Log.V(2).Info("expansion pass", "pass", pass, "changed", changed, "args", current)

		if !changed {
			x.Recorder.ObservePasses(pass)
			if err := x.checkResolved(current); err != nil {
				return nil, err
			}
			x.Log.V(1).Info("expansion reached a fixed point", "passes", pass, "env", x.Env.String())
			return current, nil
		}
	}

	return nil, fmt.Errorf("%w after %d passes", ErrNoFixedPoint, maxPasses)
}

func (x *Expander) pass(args []string) ([]string, bool, error) {
	out := make([]string, 0, len(args))
	out = append(out, args[0])
	changed := false
	nameSeen := false

	for i := 1; i < len(args); i++ {
		arg := args[i]

		// Only the first -name is considered, even while its value is deferred.
		if arg == nameFlag && !nameSeen {
			nameSeen = true
			if i+1 < len(args) && x.captureName(args[i+1]) {
				changed = true
			}
		}

		expanded, extra, err := x.expandArg(arg)
		if err != nil {
			return nil, false, fmt.Errorf("argument %d %q: %w", i, arg, err)
		}
		if expanded != arg || len(extra) > 0 {
			changed = true
		}

		if expanded != "" || arg == "" {
			out = append(out, expanded)
		}
		out = append(out, extra...)
	}

	return out, changed, nil
}

// captureName records the VM name from the value of -name once that value
// holds no macro anymore.
func (x *Expander) captureName(value string) bool {
	if x.Env.HasID() || HasToken(value) {
		return false
	}
	name := parseName(value)
	if name == "" {
		return false
	}
	return x.Env.CaptureName(name)
}

// parseName extracts the guest name from a QEMU -name value, which is either
// a plain name or a list of options such as "guest=vm1,process=vm1".
func parseName(value string) string {
	fields := strings.Split(value, optionSep)
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f, guestKey); ok {
			return name
		}
	}
	if strings.Contains(fields[0], "=") {
		return ""
	}
	return fields[0]
}

func (x *Expander) expandArg(arg string) (string, []string, error) {
	tokens, err := Scan(arg)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 {
		return arg, nil, nil
	}

	var (
		sb    strings.Builder
		extra []string
		last  int
	)

	for _, tok := range tokens {
		m, err := Lookup(tok.Kind)
		if err != nil {
			return "", nil, err
		}

		res, err := m.Expand(tok.Args, x.Env)
		if err != nil {
			return "", nil, fmt.Errorf("expanding %s: %w", tok.Text, err)
		}
		x.Recorder.ObserveMacro(tok.Kind.String(), res.Deferred)

		sb.WriteString(arg[last:tok.Start])
		if res.Deferred {
			sb.WriteString(tok.Text)
		} else {
			sb.WriteString(res.Replacement)
			extra = append(extra, res.Extra...)
		}
		last = tok.End
	}
	sb.WriteString(arg[last:])

	return sb.String(), extra, nil
}

// checkResolved fails when tokens survived the fixed point, which only
// happens when their precondition was never met.
func (x *Expander) checkResolved(args []string) error {
	var left []string
	for _, arg := range args[1:] {
		tokens, err := Scan(arg)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			left = append(left, tok.Text)
		}
	}
	if len(left) == 0 {
		return nil
	}

	if !x.Env.HasID() {
		x.Log.Info("some macros need the VM name, pass it with -name <name>")
		return fmt.Errorf("%w: %s (missing -name?)", ErrUnresolvedMacro, strings.Join(left, " "))
	}
	return fmt.Errorf("%w: %s", ErrUnresolvedMacro, strings.Join(left, " "))
}
