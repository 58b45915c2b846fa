package wavesched

import (
	"bytes"
	"context"
	"os/exec"

	"aura/internal/auramodel"
	"aura/pkg/proto"
)

// DefaultGate is the build-then-test GatePolicy used by tests and local
// runs when no project-specific gate tool is wired in; production gate
// composition is the tool registry's responsibility, out of this
// module's scope. It shells out to BuildCmd/TestCmd in worktreePath and
// trusts their exit codes: the Scheduler never inspects build/test
// output text, it only trusts the boolean result.
type DefaultGate struct {
	BuildCmd []string
	TestCmd  []string
}

// NewDefaultGate builds a DefaultGate with the given shell commands, e.g.
// []string{"go", "build", "./..."} and []string{"go", "test", "./..."}.
func NewDefaultGate(buildCmd, testCmd []string) *DefaultGate {
	return &DefaultGate{BuildCmd: buildCmd, TestCmd: testCmd}
}

func (g *DefaultGate) RunGate(ctx context.Context, worktreePath string, wave int) (*auramodel.GateResult, error) {
	result := &auramodel.GateResult{GateType: proto.GateTypeComposite, Wave: wave, Passed: true}

	if len(g.BuildCmd) > 0 {
		out, err := run(ctx, worktreePath, g.BuildCmd)
		result.BuildOutput = out
		if ctx.Err() != nil {
			result.WasCancelled = true
			result.Passed = false
			return result, nil
		}
		if err != nil {
			result.Passed = false
			result.Error = err.Error()
			return result, nil
		}
	}

	if len(g.TestCmd) > 0 {
		out, err := run(ctx, worktreePath, g.TestCmd)
		result.TestOutput = out
		if ctx.Err() != nil {
			result.WasCancelled = true
			result.Passed = false
			return result, nil
		}
		if err != nil {
			result.Passed = false
			result.Error = err.Error()
		}
	}

	return result, nil
}

func run(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// NopGate always passes, for tests that don't exercise gate behavior.
type NopGate struct{}

func (NopGate) RunGate(_ context.Context, _ string, wave int) (*auramodel.GateResult, error) {
	return &auramodel.GateResult{Passed: true, GateType: proto.GateTypeComposite, Wave: wave}, nil
}
