// crypto_adapter is an Ansible binary module that brings a crypto adapter
// queue to a target state and driver assignment.
//
// Arguments:
//
//	adapter: "07.0029"   # required, <card>.<domain> in hex
//	state:   enabled     # configured | deconfigured | enabled | disabled
//	driver:  zcrypt      # zcrypt | other
//
// The result reports changed and the actions taken. In check mode the
// actions are planned but not applied.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/ansible"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/reconcile"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

type params struct {
	Adapter string `json:"adapter"`
	State   string `json:"state"`
	Driver  string `json:"driver"`
}

func main() {
	ansible.SetupLogging(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := run(ctx, os.Args, os.Stdout, hostExecutor)
	stop()
	os.Exit(rc)
}

// hostExecutor resolves lszcrypt and chzcrypt on PATH.
func hostExecutor() (reconcile.Executor, error) {
	lszcrypt, err := command.LookPath("lszcrypt", "")
	if err != nil {
		return nil, err
	}
	chzcrypt, err := command.LookPath("chzcrypt", "")
	if err != nil {
		return nil, err
	}
	return reconcile.NewHost(zcrypt.NewClient(command.NewExecRunner(), lszcrypt, chzcrypt)), nil
}

func run(ctx context.Context, argv []string, stdout io.Writer, newExec func() (reconcile.Executor, error)) int {
	var p params
	return ansible.Run(ctx, argv, stdout, &p, func(ctx context.Context, check bool) (ansible.Response, error) {
		if p.Adapter == "" {
			return nil, fmt.Errorf("missing required arguments: adapter")
		}
		status, err := types.ParseTargetStatus(p.State)
		if err != nil {
			return nil, err
		}
		driver, err := types.ParseTargetDriver(p.Driver)
		if err != nil {
			return nil, err
		}

		exec, err := newExec()
		if err != nil {
			return nil, err
		}
		res, err := reconcile.New(exec, reconcile.WithDryRun(check)).
			Reconcile(ctx, p.Adapter, types.DesiredState{Status: status, Driver: driver})
		if err != nil {
			return nil, err
		}
		return ansible.Response{
			"changed": res.Changed,
			"adapter": res.Adapter,
			"actions": res.Actions,
			"state":   status,
			"driver":  driver,
		}, nil
	})
}
