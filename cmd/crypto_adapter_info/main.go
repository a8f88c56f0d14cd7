// crypto_adapter_info is an Ansible binary module that returns the
// lszcrypt record of a crypto adapter card or queue.
//
// Arguments:
//
//	adapter: "07.0029"   # required, <card> or <card>.<domain> in hex
//
// The result carries adapter_info, the ten report columns keyed by name.
// An adapter that cannot be found, or a report that cannot be read,
// yields an empty adapter_info.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/ansible"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

type params struct {
	Adapter string `json:"adapter"`
}

func main() {
	ansible.SetupLogging(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := run(ctx, os.Args, os.Stdout, hostLister)
	stop()
	os.Exit(rc)
}

func hostLister() (types.AdapterLister, error) {
	lszcrypt, err := command.LookPath("lszcrypt", "")
	if err != nil {
		return nil, err
	}
	return zcrypt.NewClient(command.NewExecRunner(), lszcrypt, ""), nil
}

func run(ctx context.Context, argv []string, stdout io.Writer, newLister func() (types.AdapterLister, error)) int {
	var p params
	return ansible.Run(ctx, argv, stdout, &p, func(ctx context.Context, _ bool) (ansible.Response, error) {
		if p.Adapter == "" {
			return nil, fmt.Errorf("missing required arguments: adapter")
		}
		id, err := types.ParseAdapterID(p.Adapter)
		if err != nil {
			return nil, err
		}

		info := map[string]any{}
		resp := ansible.Response{"changed": false, "adapter_info": info}

		l, err := newLister()
		if err != nil {
			return nil, err
		}
		rec, err := zcrypt.QueryAdapter(ctx, l, id.String())
		if err != nil {
			log.Warnf("no information for crypto adapter %s: %v", id, err)
			return resp, nil
		}
		resp["adapter_info"] = rec
		return resp, nil
	})
}
