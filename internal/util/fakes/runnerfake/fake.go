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

package runnerfake

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
)

// Expectation answers a command whose rendered line starts with Prefix.
type Expectation struct {
	Prefix string
	Output string
	Fail   bool
}

// Fake records every command and answers from its expectations. Commands
// with no matching expectation succeed with empty output.
type Fake struct {
	expectations []Expectation
	calls        []string
}

var _ execcontext.Runner = (*Fake)(nil)

func New() *Fake {
	return &Fake{}
}

// Run implements execcontext.Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)

	for _, e := range f.expectations {
		if !strings.HasPrefix(line, e.Prefix) {
			continue
		}
		if e.Fail {
			return []byte(e.Output), fmt.Errorf("%w: %s: exit status 1, output: %s",
				execcontext.ErrCommandFailed, line, e.Output)
		}
		return []byte(e.Output), nil
	}

	return nil, nil
}

// AppendExpectation registers an answer. The first matching expectation wins.
func (f *Fake) AppendExpectation(e Expectation) *Fake {
	f.expectations = append(f.expectations, e)
	return f
}

// Calls returns the rendered command lines in execution order.
func (f *Fake) Calls() []string {
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsWithPrefix returns the recorded command lines starting with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
