// mdev_libvirt_attach is an Ansible binary module that adds a vfio-ap
// mediated device to the persistent definition of a libvirt domain.
//
// Arguments:
//
//	device_index: 0                                       # hostdev<index> alias
//	device_uuid:  34ef0de3-ab1c-4adc-ac6c-0741338b39ea    # required
//	worker_name:  ocp-worker-0                            # required
//
// In check mode the hostdev XML is rendered and returned but virsh is
// not run.
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
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/mdev"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

type params struct {
	DeviceIndex *types.Int `json:"device_index"`
	DeviceUUID  string       `json:"device_uuid"`
	WorkerName  string       `json:"worker_name"`
}

func main() {
	ansible.SetupLogging(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := run(ctx, os.Args, os.Stdout, hostAttacher)
	stop()
	os.Exit(rc)
}

func hostAttacher() (*mdev.Attacher, error) {
	virsh, err := command.LookPath("virsh", "")
	if err != nil {
		return nil, err
	}
	return mdev.NewAttacher(command.NewExecRunner(), virsh), nil
}

func run(ctx context.Context, argv []string, stdout io.Writer, newAttacher func() (*mdev.Attacher, error)) int {
	var p params
	return ansible.Run(ctx, argv, stdout, &p, func(ctx context.Context, check bool) (ansible.Response, error) {
		switch {
		case p.DeviceIndex == nil:
			return nil, fmt.Errorf("missing required arguments: device_index")
		case p.DeviceUUID == "":
			return nil, fmt.Errorf("missing required arguments: device_uuid")
		case p.WorkerName == "":
			return nil, fmt.Errorf("missing required arguments: worker_name")
		}
		index := int(*p.DeviceIndex)

		doc, err := mdev.HostdevXML(index, p.DeviceUUID)
		if err != nil {
			return nil, err
		}
		resp := ansible.Response{"changed": true, "xml": doc}
		if check {
			return resp, nil
		}

		a, err := newAttacher()
		if err != nil {
			return nil, err
		}
		if err := a.Attach(ctx, index, p.DeviceUUID, p.WorkerName); err != nil {
			return nil, err
		}
		return resp, nil
	})
}
