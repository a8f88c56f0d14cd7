package mdev

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
)

// vfio-ap hostdevs are never managed by libvirt; the matrix device is
// created ahead of the attach.
const (
	hostdevModel   = "vfio-ap"
	hostdevManaged = "no"
)

// Hostdev builds the libvirt hostdev for a vfio-ap mediated device.
func Hostdev(index int, mdevUUID string) (*libvirtxml.DomainHostdev, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid device index %d", index)
	}
	mdevUUID, err := CanonicalUUID(mdevUUID)
	if err != nil {
		return nil, err
	}
	return &libvirtxml.DomainHostdev{
		Managed: hostdevManaged,
		SubsysMDev: &libvirtxml.DomainHostdevSubsysMDev{
			Model: hostdevModel,
			Source: &libvirtxml.DomainHostdevSubsysMDevSource{
				Address: &libvirtxml.DomainAddressMDev{UUID: mdevUUID},
			},
		},
		Alias: &libvirtxml.DomainAlias{Name: fmt.Sprintf("hostdev%d", index)},
	}, nil
}

// HostdevXML renders the hostdev XML document for virsh attach-device.
func HostdevXML(index int, mdevUUID string) (string, error) {
	hd, err := Hostdev(index, mdevUUID)
	if err != nil {
		return "", err
	}
	doc, err := hd.Marshal()
	if err != nil {
		return "", fmt.Errorf("cannot render hostdev XML: %w", err)
	}
	return doc, nil
}

// Attacher attaches mediated devices to libvirt domains with virsh.
type Attacher struct {
	runner command.Runner
	virsh  string
	tmpDir string
}

// NewAttacher returns an Attacher using the given virsh binary.
func NewAttacher(runner command.Runner, virsh string) *Attacher {
	if virsh == "" {
		virsh = "virsh"
	}
	return &Attacher{runner: runner, virsh: virsh}
}

// Attach adds the hostdev for mdevUUID to the persistent configuration of
// the domain worker. The XML is staged in a temporary file that is always
// removed.
func (a *Attacher) Attach(ctx context.Context, index int, mdevUUID, worker string) error {
	if worker == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	doc, err := HostdevXML(index, mdevUUID)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(a.tmpDir, "mdev-*.xml")
	if err != nil {
		return fmt.Errorf("cannot create hostdev XML file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(doc); err != nil {
		f.Close()
		return fmt.Errorf("cannot write hostdev XML file %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot write hostdev XML file %s: %w", f.Name(), err)
	}

	log.Infof("attaching mediated device %s to worker %s as hostdev%d", mdevUUID, worker, index)
	if _, err := command.Check(ctx, a.runner, a.virsh,
		"attach-device", "--domain", worker, "--file", f.Name(), "--config"); err != nil {
		return fmt.Errorf("unable to attach mediated device %s to worker %s: %w", mdevUUID, worker, err)
	}
	return nil
}
