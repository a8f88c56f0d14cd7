// Package cdi writes CDI (Container Device Interface) specs that expose
// vfio-ap mediated devices to containers, so that a crypto resource passed
// through to a worker can be consumed by a pod on that worker.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/utils"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix marks spec files owned by zcryptctl. Cleanup only ever
	// touches files carrying it.
	FilePrefix = "zcrypt-cdi"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultPrefix is the CDI vendor used when none is given.
	DefaultPrefix = "s390.ibm.com"

	// DefaultName is the CDI class used when none is given.
	DefaultName = "crypto"
)

// SpecFileName returns the file name for a vendor prefix, class name and
// format: zcrypt-cdi_<prefix>_<name>.<ext>.
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// DeviceName is the CDI device name of a mediated device. Devices with a
// known crypto resource are named after it (07.0029 becomes 07-0029),
// others after their UUID.
func DeviceName(dev types.MediatedDevice) string {
	if dev.Resource != "" {
		return utils.SanitizeName(dev.Resource)
	}
	return dev.UUID
}

// BuildSpec assembles the CDI spec for devices without writing it.
func BuildSpec(prefix, name string, devices []types.MediatedDevice) (*cdiSpecs.Spec, error) {
	cdiDevices := make([]cdiSpecs.Device, 0, len(devices))
	for _, dev := range devices {
		edits := cdiSpecs.ContainerEdits{
			DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(dev.DeviceSpecs)),
		}
		for _, s := range dev.DeviceSpecs {
			edits.DeviceNodes = append(edits.DeviceNodes, &cdiSpecs.DeviceNode{
				Path:        s.ContainerPath,
				HostPath:    s.HostPath,
				Permissions: s.Permissions,
			})
		}
		cdiDevices = append(cdiDevices, cdiSpecs.Device{
			Name:           DeviceName(dev),
			ContainerEdits: edits,
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    prefix + "/" + name,
		Devices: cdiDevices,
	}
	if err := validateSpec(spec); err != nil {
		return nil, fmt.Errorf("generated CDI spec is invalid: %w", err)
	}
	return spec, nil
}

// CreateCDISpec writes the CDI spec for devices to outputDir and returns
// the path of the written file.
func CreateCDISpec(prefix, name string, devices []types.MediatedDevice, outputDir, format string) (string, error) {
	log.Infof("creating CDI spec for %s/%s with %d mediated device(s)", prefix, name, len(devices))

	spec, err := BuildSpec(prefix, name, devices)
	if err != nil {
		return "", err
	}
	data, err := marshalSpec(spec, format)
	if err != nil {
		return "", fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}
	filePath := filepath.Join(outputDir, SpecFileName(prefix, name, strings.ToLower(format)))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return filePath, nil
}

// CreateContainerAnnotations maps the CDI qualified name of every device
// to itself, ready to hand to a container runtime.
func CreateContainerAnnotations(devices []types.MediatedDevice, prefix, name string) (map[string]string, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("devices list is empty")
	}

	annotations := make(map[string]string, len(devices))
	for _, dev := range devices {
		qn := cdiparser.QualifiedName(prefix, name, DeviceName(dev))
		annotations[qn] = qn
	}
	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes spec files written by CreateCDISpec from dir. An
// empty name removes every spec under prefix. The paths that were (or in
// dry-run mode would be) removed are returned.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	exts := []string{"json", "yaml"}
	if name != "" {
		paths := make([]string, 0, len(exts))
		for _, ext := range exts {
			paths = append(paths, filepath.Join(dir, SpecFileName(prefix, name, ext)))
		}
		return cleanupFiles(paths, dryRun)
	}

	var matches []string
	for _, ext := range exts {
		pattern := filepath.Join(dir, SpecFileName(prefix, "*", ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func validateSpec(spec *cdiSpecs.Spec) error {
	vendor, class, ok := strings.Cut(spec.Kind, "/")
	if !ok || vendor == "" || class == "" {
		return fmt.Errorf("spec kind %q must be <vendor>/<class>", spec.Kind)
	}
	if err := cdiparser.ValidateVendorName(vendor); err != nil {
		return err
	}
	if err := cdiparser.ValidateClassName(class); err != nil {
		return err
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	for _, d := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(d.Name); err != nil {
			return err
		}
		if len(d.ContainerEdits.DeviceNodes) == 0 {
			return fmt.Errorf("device %q has no device nodes", d.Name)
		}
	}
	return nil
}

func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
