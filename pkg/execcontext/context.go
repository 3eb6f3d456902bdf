package execcontext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// ErrCommandFailed is wrapped by Runner implementations when a command exits
// with a non-zero status.
var ErrCommandFailed = errors.New("command failed")

// Context describes how external tools are invoked: extra environment
// variables and an optional command prefix such as "sudo".
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Runner runs an external command to completion and returns its combined
// output. A non-zero exit is returned as an error wrapping ErrCommandFailed,
// together with whatever output the command produced.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRunner returns a Runner that applies execCtx to every command.
func NewRunner(execCtx Context) Runner {
	return &runner{execCtx: execCtx}
}

type runner struct {
	execCtx Context
}

// Run implements Runner.
func (r *runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	ApplyToCmd(r.execCtx, cmd)

	slog.Debug("executing command", "cmd", FormatCmd(r.execCtx, append([]string{name}, args...)...))

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%w: %s: %v, output: %s",
			ErrCommandFailed, strings.Join(cmd.Args, " "), err, strings.TrimSpace(out.String()))
	}

	slog.Info("Executed", "cmd", strings.Join(cmd.Args, " "))
	return out.Bytes(), nil
}

// ApplyToCmd adds the context's environment to cmd and rewrites it so that it
// runs behind the prepend command.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		for _, k := range slices.Sorted(maps.Keys(envs)) {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
		}
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Err = tmpCmd.Err
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a copy-pastable shell line including the
// context's environment and prepend command.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&sb, "%s=%q ", k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		sb.WriteString(Quote(s))
		sb.WriteByte(' ')
	}

	for _, s := range cmd {
		sb.WriteString(Quote(s))
		sb.WriteByte(' ')
	}

	return strings.TrimSpace(sb.String())
}

// Quote leaves plain words alone and quotes anything a shell would split or
// interpret.
func Quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'$`\\|&;<>(){}*?!#~") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
