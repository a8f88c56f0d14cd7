// Package types defines shared data types for the s390x crypto tooling.
// Adapter records mirror one line of the `lszcrypt -V` report, desired
// states mirror the arguments of the crypto_adapter module.
package types

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AdapterStatus is the status column of the lszcrypt report.
type AdapterStatus string

const (
	StatusOnline   AdapterStatus = "online"
	StatusOffline  AdapterStatus = "offline"
	StatusDeconfig AdapterStatus = "deconfig"
)

// AdapterRecord is one line of the `lszcrypt -V` report. It is a snapshot
// taken at query time and never updated in place.
type AdapterRecord struct {
	// Card is the adapter identity as printed, e.g. "07" or "07.0029".
	Card      string        `json:"card"`
	Type      string        `json:"type"`
	Mode      string        `json:"mode"`
	Status    AdapterStatus `json:"status"`
	Requests  string        `json:"requests"`
	Pending   string        `json:"pending"`
	HWType    string        `json:"hwtype"`
	QDepth    string        `json:"qdepth"`
	Functions string        `json:"functions"`
	// Driver is the Linux driver bound to the adapter (e.g. "cex4queue")
	// or "-no-driver-" when the adapter is masked out of the default drivers.
	Driver string `json:"driver"`
}

// IsQueue reports whether the record describes a card.domain queue rather
// than a whole card.
func (r AdapterRecord) IsQueue() bool {
	return strings.Contains(r.Card, ".")
}

// DriverClass groups driver strings into the two states the driver
// reconciler understands.
type DriverClass string

const (
	DriverCex     DriverClass = "cex"
	DriverNone    DriverClass = "no-driver"
	DriverUnknown DriverClass = ""
)

// ClassifyDriver maps a report driver string to its DriverClass.
func ClassifyDriver(driver string) DriverClass {
	switch {
	case strings.HasPrefix(driver, "cex"):
		return DriverCex
	case strings.Contains(driver, "no-driver"):
		return DriverNone
	default:
		return DriverUnknown
	}
}

// TargetStatus is the desired adapter state.
type TargetStatus string

const (
	TargetConfigured   TargetStatus = "configured"
	TargetDeconfigured TargetStatus = "deconfigured"
	TargetEnabled      TargetStatus = "enabled"
	TargetDisabled     TargetStatus = "disabled"
)

// DefaultTargetStatus is used when no state is requested.
const DefaultTargetStatus = TargetEnabled

// ParseTargetStatus validates s against the supported choices.
func ParseTargetStatus(s string) (TargetStatus, error) {
	switch t := TargetStatus(s); t {
	case TargetConfigured, TargetDeconfigured, TargetEnabled, TargetDisabled:
		return t, nil
	case "":
		return DefaultTargetStatus, nil
	default:
		return "", fmt.Errorf("invalid state %q: choose from configured, deconfigured, enabled, disabled", s)
	}
}

// TargetDriver is the desired driver assignment.
type TargetDriver string

const (
	// DriverZcrypt keeps the adapter on the default cex* drivers.
	DriverZcrypt TargetDriver = "zcrypt"
	// DriverOther hands the adapter to an alternative driver such as vfio_ap.
	DriverOther TargetDriver = "other"
)

// DefaultTargetDriver is used when no driver is requested.
const DefaultTargetDriver = DriverZcrypt

// ParseTargetDriver validates s against the supported choices.
func ParseTargetDriver(s string) (TargetDriver, error) {
	switch d := TargetDriver(s); d {
	case DriverZcrypt, DriverOther:
		return d, nil
	case "":
		return DefaultTargetDriver, nil
	default:
		return "", fmt.Errorf("invalid driver %q: choose from zcrypt, other", s)
	}
}

// DesiredState is what a reconciliation run converges towards.
type DesiredState struct {
	Status TargetStatus
	Driver TargetDriver
}

var adapterIDRe = regexp.MustCompile(`^([0-9a-fA-F]{2})(?:\.([0-9a-fA-F]{4}))?$`)

// AdapterID is a parsed crypto adapter identity: a card, optionally
// qualified with a domain.
type AdapterID struct {
	Card      string
	Domain    string
	HasDomain bool
}

// ParseAdapterID parses "<card>" or "<card>.<domain>" (hex, e.g. "07.0029").
// Hex digits are normalized to lower case, as lszcrypt prints them.
func ParseAdapterID(s string) (AdapterID, error) {
	m := adapterIDRe.FindStringSubmatch(s)
	if m == nil {
		return AdapterID{}, fmt.Errorf("invalid crypto adapter id %q: want <card> or <card>.<domain>", s)
	}
	card, domain := strings.ToLower(m[1]), strings.ToLower(m[2])
	return AdapterID{Card: card, Domain: domain, HasDomain: domain != ""}, nil
}

// ParseQualifiedAdapterID parses an id that must carry a domain.
func ParseQualifiedAdapterID(s string) (AdapterID, error) {
	id, err := ParseAdapterID(s)
	if err != nil {
		return AdapterID{}, err
	}
	if !id.HasDomain {
		return AdapterID{}, fmt.Errorf("crypto adapter id %q must be fully qualified as <card>.<domain>", s)
	}
	return id, nil
}

// String returns the identity in lszcrypt notation.
func (id AdapterID) String() string {
	if id.HasDomain {
		return id.Card + "." + id.Domain
	}
	return id.Card
}

// CardNumber returns the card number as an AP bit index.
func (id AdapterID) CardNumber() int {
	n, _ := strconv.ParseUint(id.Card, 16, 16)
	return int(n)
}

// DomainNumber returns the domain number as an AP bit index.
func (id AdapterID) DomainNumber() int {
	n, _ := strconv.ParseUint(id.Domain, 16, 16)
	return int(n)
}

// Int is an integer argument. Templated values arrive as strings unless
// the controller renders native types, so both forms are accepted.
type Int int

func (i *Int) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*i = Int(n)
	return nil
}

// ResourceAssignment assigns a crypto resource (card.domain) to a worker.
type ResourceAssignment struct {
	ID             string `json:"id"`
	AssignToWorker Int    `json:"assign_to_worker"`
}

// MdevMapping pairs a mediated device UUID with the crypto resource it
// passes through.
type MdevMapping struct {
	UUID     string `json:"uuid"`
	Resource string `json:"resource"`
}

// AdapterLister abstracts the lszcrypt query for testability.
type AdapterLister interface {
	// ListAdapters returns every record of the current report.
	ListAdapters(ctx context.Context) ([]AdapterRecord, error)
}

// DeviceSpec describes a host device node to expose inside a container.
type DeviceSpec struct {
	// HostPath is the path of the device on the host (e.g. /dev/vfio/12).
	HostPath string
	// ContainerPath is the path of the device inside the container.
	ContainerPath string
	// Permissions is the cgroup permissions for the device (e.g. "rw", "rwm").
	Permissions string
}

// MediatedDevice is a vfio-ap mediated device and the VFIO nodes that
// reach it.
type MediatedDevice struct {
	// UUID identifies the mdev under /sys/bus/mdev/devices.
	UUID string
	// Resource is the crypto resource passed through, if known.
	Resource string
	// IOMMUGroup is the VFIO group number of the mdev.
	IOMMUGroup string
	// DeviceSpecs lists the VFIO character devices for the mdev.
	DeviceSpecs []DeviceSpec
}
