// mdev_uuid_gen is an Ansible binary module that allocates a mediated
// device UUID for every crypto resource assigned to a worker.
//
// Arguments:
//
//	worker_index: 0
//	resource_assignments:
//	  - id: "07.0029"
//	    assign_to_worker: 0
//
// The result maps each new UUID to its resource in mdev_uuids and lists
// the same pairs in assignment order in mdev_mappings.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/ansible"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/mdev"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

type params struct {
	WorkerIndex         *types.Int                  `json:"worker_index"`
	ResourceAssignments *[]types.ResourceAssignment `json:"resource_assignments"`
}

func main() {
	ansible.SetupLogging(os.Stderr)
	os.Exit(run(context.Background(), os.Args, os.Stdout))
}

func run(ctx context.Context, argv []string, stdout io.Writer) int {
	var p params
	return ansible.Run(ctx, argv, stdout, &p, func(context.Context, bool) (ansible.Response, error) {
		if p.WorkerIndex == nil {
			return nil, fmt.Errorf("missing required arguments: worker_index")
		}
		if p.ResourceAssignments == nil {
			return nil, fmt.Errorf("missing required arguments: resource_assignments")
		}
		assignments := *p.ResourceAssignments
		if err := mdev.ValidateAssignments(assignments); err != nil {
			return nil, err
		}
		mappings := mdev.GenerateUUIDs(int(*p.WorkerIndex), assignments)
		return ansible.Response{
			"changed":       true,
			"mdev_uuids":    mdev.MappingsToMap(mappings),
			"mdev_mappings": mappings,
		}, nil
	})
}
