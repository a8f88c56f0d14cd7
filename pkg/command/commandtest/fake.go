// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Handler produces the result for a call.
type Handler func(c Call) (command.Result, error)

// FakeRunner records every call and answers with Handler. When Handler is
// nil every call succeeds with empty output.
type FakeRunner struct {
	Handler Handler
	Calls   []Call
}

// Run implements command.Runner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (command.Result, error) {
	c := Call{Name: name, Args: append([]string(nil), args...)}
	f.Calls = append(f.Calls, c)
	if f.Handler == nil {
		return command.Result{}, nil
	}
	return f.Handler(c)
}

// CommandLines returns the recorded calls as command lines.
func (f *FakeRunner) CommandLines() []string {
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Static answers every call whose command line starts with a key of
// outputs with that result. Unmatched calls fail the way a missing binary
// would.
func Static(outputs map[string]command.Result) Handler {
	return func(c Call) (command.Result, error) {
		line := c.String()
		best := ""
		for prefix := range outputs {
			if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if best == "" {
			return command.Result{}, fmt.Errorf("unexpected command: %s", line)
		}
		return outputs[best], nil
	}
}
