package mdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

var (
	vfioAPMatrix = "/sys/devices/vfio_ap/matrix"
	sysBusMdev   = "/sys/bus/mdev/devices"
)

const passthroughType = "vfio_ap-passthrough"

// Exists reports whether a matrix mediated device with mdevUUID exists.
func Exists(mdevUUID string) bool {
	_, err := os.Stat(filepath.Join(vfioAPMatrix, mdevUUID))
	return err == nil
}

// Create creates a vfio-ap matrix mediated device and assigns the card and
// domain of resource to it. An existing device is reused.
func Create(mdevUUID string, resource types.AdapterID) error {
	mdevUUID, err := CanonicalUUID(mdevUUID)
	if err != nil {
		return err
	}
	if !resource.HasDomain {
		return fmt.Errorf("crypto resource %q must be fully qualified as <card>.<domain>", resource)
	}

	if Exists(mdevUUID) {
		log.Infof("mediated device %s already exists", mdevUUID)
	} else {
		create := filepath.Join(vfioAPMatrix, "mdev_supported_types", passthroughType, "create")
		if err := writeAttr(create, mdevUUID); err != nil {
			return fmt.Errorf("cannot create mediated device %s: %w", mdevUUID, err)
		}
		log.Infof("created mediated device %s", mdevUUID)
	}

	dev := filepath.Join(vfioAPMatrix, mdevUUID)
	if err := writeAttr(filepath.Join(dev, "assign_adapter"), fmt.Sprintf("0x%s", resource.Card)); err != nil {
		return fmt.Errorf("cannot assign card of %s to mediated device %s: %w", resource, mdevUUID, err)
	}
	if err := writeAttr(filepath.Join(dev, "assign_domain"), fmt.Sprintf("0x%s", resource.Domain)); err != nil {
		return fmt.Errorf("cannot assign domain of %s to mediated device %s: %w", resource, mdevUUID, err)
	}
	log.Infof("assigned crypto resource %s to mediated device %s", resource, mdevUUID)
	return nil
}

// Remove deletes a mediated device. A missing device is not an error.
func Remove(mdevUUID string) error {
	p := filepath.Join(sysBusMdev, mdevUUID, "remove")
	if err := writeAttr(p, "1"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("mediated device %s does not exist", mdevUUID)
			return nil
		}
		return fmt.Errorf("cannot remove mediated device %s: %w", mdevUUID, err)
	}
	log.Infof("removed mediated device %s", mdevUUID)
	return nil
}

// IOMMUGroup returns the IOMMU group of a mediated device, read from its
// iommu_group symlink.
func IOMMUGroup(mdevUUID string) (string, error) {
	link := filepath.Join(sysBusMdev, mdevUUID, "iommu_group")
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("cannot read iommu_group of mediated device %s: %w", mdevUUID, err)
	}
	return filepath.Base(target), nil
}

// writeAttr writes a sysfs attribute that must already exist.
func writeAttr(path, val string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(val); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const vfioDir = "/dev/vfio"

// Describe resolves the VFIO device nodes of a mediated device: the VFIO
// container node and the node of the mdev's IOMMU group.
func Describe(mdevUUID, resource string) (*types.MediatedDevice, error) {
	group, err := IOMMUGroup(mdevUUID)
	if err != nil {
		return nil, err
	}
	nodes := []string{filepath.Join(vfioDir, "vfio"), filepath.Join(vfioDir, group)}
	specs := make([]types.DeviceSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, types.DeviceSpec{HostPath: n, ContainerPath: n, Permissions: "rw"})
	}
	return &types.MediatedDevice{
		UUID:        mdevUUID,
		Resource:    resource,
		IOMMUGroup:  group,
		DeviceSpecs: specs,
	}, nil
}
