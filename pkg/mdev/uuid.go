// Package mdev manages vfio-ap mediated devices: UUID allocation for the
// crypto resources of a worker, the vfio-ap matrix device in sysfs and the
// libvirt hostdev that passes it through to the worker domain.
package mdev

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/filters"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

// newUUID is swapped in tests.
var newUUID = uuid.NewString

// CanonicalUUID validates a mediated device UUID and returns it in the
// lower-case 8-4-4-4-12 form that libvirt and vfio_ap expect. The braced,
// urn and undashed forms uuid.Parse also understands are rejected.
func CanonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid mediated device uuid %q: %w", s, err)
	}
	if len(s) != 36 {
		return "", fmt.Errorf("invalid mediated device uuid %q: want xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx", s)
	}
	return u.String(), nil
}

// GenerateUUIDs allocates one random UUID per resource assigned to the
// worker with index workerIndex. Resources assigned to other workers are
// omitted. The result keeps the order of assignments.
func GenerateUUIDs(workerIndex int, assignments []types.ResourceAssignment) []types.MdevMapping {
	mappings := make([]types.MdevMapping, 0)
	for _, a := range assignments {
		if int(a.AssignToWorker) != workerIndex {
			continue
		}
		m := types.MdevMapping{UUID: newUUID(), Resource: a.ID}
		log.Debugf("allocated mdev %s for crypto resource %s on worker %d", m.UUID, m.Resource, workerIndex)
		mappings = append(mappings, m)
	}
	return mappings
}

// MappingsToMap converts mappings into the UUID → resource dictionary the
// mdev_uuid_gen module returns.
func MappingsToMap(mappings []types.MdevMapping) map[string]string {
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.UUID] = m.Resource
	}
	return out
}

// ValidateAssignments checks resource ids and worker indices. Worker
// indices that do not form a consecutive range from zero are logged, not
// rejected, since a playbook may plan fewer workers than it has.
func ValidateAssignments(assignments []types.ResourceAssignment) error {
	seen := make(map[string]bool, len(assignments))
	workers := make(map[int]bool)
	for i, a := range assignments {
		if _, err := types.ParseQualifiedAdapterID(a.ID); err != nil {
			return fmt.Errorf("resource assignment %d: %w", i, err)
		}
		if a.AssignToWorker < 0 {
			return fmt.Errorf("resource assignment %d (%s): negative worker index %d", i, a.ID, a.AssignToWorker)
		}
		if seen[a.ID] {
			return fmt.Errorf("resource assignment %d: crypto resource %s assigned twice", i, a.ID)
		}
		seen[a.ID] = true
		workers[int(a.AssignToWorker)] = true
	}

	indices := make([]int, 0, len(workers))
	for w := range workers {
		indices = append(indices, w)
	}
	if len(indices) > 0 && !filters.IsRange(indices, 0) {
		log.Warnf("worker indices %v are not a consecutive range starting at 0", indices)
	}
	return nil
}

// assignmentFile accepts either a bare list or the module argument shape.
type assignmentFile struct {
	ResourceAssignments []types.ResourceAssignment `json:"resource_assignments"`
}

// ParseAssignments decodes a YAML or JSON resource assignment document.
func ParseAssignments(data []byte) ([]types.ResourceAssignment, error) {
	var list []types.ResourceAssignment
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var f assignmentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse resource assignments: %w", err)
	}
	return f.ResourceAssignments, nil
}

// LoadAssignments reads a resource assignment file.
func LoadAssignments(path string) ([]types.ResourceAssignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read resource assignments %s: %w", path, err)
	}
	return ParseAssignments(data)
}
