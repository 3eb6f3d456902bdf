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
	"strconv"
	"strings"

	"k8s.io/utils/ptr"
)

const (
	tokenOpen  = '{'
	tokenClose = '}'
	fieldSep   = ","
)

// Args are the positional fields of a token. An empty field in the token is
// a nil entry, meaning "omitted, use the default".
type Args []*string

// Get returns the i-th field, or nil when it is omitted or out of range.
func (a Args) Get(i int) *string {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// Present reports whether the i-th field was given.
func (a Args) Present(i int) bool {
	return a.Get(i) != nil
}

// String returns the i-th field or def when omitted.
func (a Args) String(i int, def string) string {
	return ptr.Deref(a.Get(i), def)
}

// Int parses the i-th field as a base-10 integer, or returns def when omitted.
func (a Args) Int(i int, def int) (int, error) {
	v := a.Get(i)
	if v == nil {
		return def, nil
	}
	n, err := strconv.Atoi(*v)
	if err != nil {
		return 0, fmt.Errorf("%w: field %d: %q is not an integer", ErrInvalidArgument, i+1, *v)
	}
	return n, nil
}

// Token is one macro occurrence inside an argument.
type Token struct {
	Kind Kind
	Args Args
	// Start and End delimit the token in the scanned string; End is exclusive.
	Start int
	End   int
	Text  string
}

// Scan returns the macro tokens of s from left to right.
//
// A token is a brace group with no brace inside whose first comma-separated
// field is made of ASCII letters. Other brace groups, such as the JSON
// syntax QEMU accepts for -device and -object, are left alone. A
// letter-named group that names no macro is an ErrUnknownMacro.
func Scan(s string) ([]Token, error) {
	var tokens []Token

	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], tokenOpen)
		if open < 0 {
			break
		}
		open += i

		end := strings.IndexAny(s[open+1:], "{}")
		if end < 0 {
			break
		}
		closing := open + 1 + end
		if s[closing] == tokenOpen {
			// Nested or unbalanced: restart from the inner brace.
			i = closing
			continue
		}

		tok, ok, err := parseBody(s[open+1 : closing])
		if err != nil {
			return nil, err
		}
		if !ok {
			i = open + 1
			continue
		}

		tok.Start = open
		tok.End = closing + 1
		tok.Text = s[open:tok.End]
		tokens = append(tokens, tok)
		i = tok.End
	}

	return tokens, nil
}

// HasToken reports whether s holds at least one macro token. Unknown macro
// names count as tokens.
func HasToken(s string) bool {
	tokens, err := Scan(s)
	return err != nil || len(tokens) > 0
}

func parseBody(body string) (Token, bool, error) {
	fields := strings.Split(body, fieldSep)
	if !isMacroName(fields[0]) {
		return Token{}, false, nil
	}

	kind, err := ParseKind(fields[0])
	if err != nil {
		return Token{}, false, fmt.Errorf("%w in {%s}", err, body)
	}

	args := make(Args, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if f == "" {
			args = append(args, nil)
			continue
		}
		args = append(args, ptr.To(f))
	}

	return Token{Kind: kind, Args: args}, true, nil
}

func isMacroName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
