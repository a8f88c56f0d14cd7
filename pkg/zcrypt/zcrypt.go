// Package zcrypt wraps the s390-tools crypto utilities and the AP bus
// sysfs attributes. It turns the `lszcrypt -V` report into typed adapter
// records and issues the chzcrypt and AP mask changes the reconciler
// decides on.
package zcrypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

var sysBusAP = "/sys/bus/ap"

// SetAPBusDir overrides the AP bus sysfs directory (default /sys/bus/ap).
func SetAPBusDir(dir string) {
	if dir != "" {
		sysBusAP = dir
	}
}

// APBusDir returns the AP bus sysfs directory in use.
func APBusDir() string {
	return sysBusAP
}

const (
	// reportHeaderLines is the number of lines lszcrypt prints before the
	// first adapter line: the column titles and a dashed rule.
	reportHeaderLines = 2

	// reportFields is the number of columns of `lszcrypt -V`.
	reportFields = 10
)

// ErrNotFound is returned when the report has no line for an adapter.
var ErrNotFound = errors.New("crypto adapter not found")

// ───────────────────────────────────────────
//  report parsing
// ───────────────────────────────────────────

// ParseReport parses the output of `lszcrypt -V`. The two header lines are
// skipped, blank lines are ignored and every other line must carry at
// least the ten report columns.
func ParseReport(out string) ([]types.AdapterRecord, error) {
	lines := strings.Split(out, "\n")
	if len(lines) <= reportHeaderLines {
		return nil, nil
	}

	var records []types.AdapterRecord
	for i, line := range lines[reportHeaderLines:] {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if len(f) < reportFields {
			return nil, fmt.Errorf("malformed lszcrypt line %d: want %d fields, got %d: %q",
				i+reportHeaderLines+1, reportFields, len(f), strings.TrimSpace(line))
		}
		records = append(records, types.AdapterRecord{
			Card:      f[0],
			Type:      f[1],
			Mode:      f[2],
			Status:    types.AdapterStatus(f[3]),
			Requests:  f[4],
			Pending:   f[5],
			HWType:    f[6],
			QDepth:    f[7],
			Functions: f[8],
			Driver:    f[9],
		})
	}
	return records, nil
}

// FindAdapter returns the record whose identity equals id exactly.
func FindAdapter(records []types.AdapterRecord, id string) (types.AdapterRecord, bool) {
	for _, r := range records {
		if r.Card == id {
			return r, true
		}
	}
	return types.AdapterRecord{}, false
}

// ───────────────────────────────────────────
//  Client
// ───────────────────────────────────────────

// Client drives lszcrypt and chzcrypt through a command.Runner.
type Client struct {
	runner   command.Runner
	lszcrypt string
	chzcrypt string
}

// NewClient returns a Client using the given binary paths.
func NewClient(runner command.Runner, lszcrypt, chzcrypt string) *Client {
	if lszcrypt == "" {
		lszcrypt = "lszcrypt"
	}
	if chzcrypt == "" {
		chzcrypt = "chzcrypt"
	}
	return &Client{runner: runner, lszcrypt: lszcrypt, chzcrypt: chzcrypt}
}

// ListAdapters runs `lszcrypt -V` and parses the report.
func (c *Client) ListAdapters(ctx context.Context) ([]types.AdapterRecord, error) {
	res, err := command.Check(ctx, c.runner, c.lszcrypt, "-V")
	if err != nil {
		return nil, fmt.Errorf("cannot list crypto adapters: %w", err)
	}
	records, err := ParseReport(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("cannot parse crypto adapter report: %w", err)
	}
	log.Debugf("lszcrypt reported %d adapter line(s)", len(records))
	return records, nil
}

// Query returns the record for one adapter identity. A missing adapter
// yields an error wrapping ErrNotFound.
func (c *Client) Query(ctx context.Context, id string) (types.AdapterRecord, error) {
	return QueryAdapter(ctx, c, id)
}

// QueryAdapter looks up one adapter through any lister.
func QueryAdapter(ctx context.Context, l types.AdapterLister, id string) (types.AdapterRecord, error) {
	records, err := l.ListAdapters(ctx)
	if err != nil {
		return types.AdapterRecord{}, err
	}
	rec, ok := FindAdapter(records, id)
	if !ok {
		return types.AdapterRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// stateFlags maps a target state to the chzcrypt option that reaches it.
var stateFlags = map[types.TargetStatus]string{
	types.TargetConfigured:   "--config-on",
	types.TargetDeconfigured: "--config-off",
	types.TargetEnabled:      "-e",
	types.TargetDisabled:     "-d",
}

// StateFlag returns the chzcrypt option for a target state.
func StateFlag(target types.TargetStatus) (string, bool) {
	f, ok := stateFlags[target]
	return f, ok
}

// ChangeState runs chzcrypt to move an adapter to the target state.
func (c *Client) ChangeState(ctx context.Context, adapter string, target types.TargetStatus) error {
	flag, ok := StateFlag(target)
	if !ok {
		return fmt.Errorf("unsupported target state %q", target)
	}
	log.Infof("changing state of crypto adapter %s to %s", adapter, target)
	if _, err := command.Check(ctx, c.runner, c.chzcrypt, flag, adapter); err != nil {
		return fmt.Errorf("cannot change state of crypto adapter %s to %s: %w", adapter, target, err)
	}
	return nil
}

// Version returns the s390-tools version reported by `lszcrypt -v`, or an
// empty string when it cannot be determined.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := command.Check(ctx, c.runner, c.lszcrypt, "-v")
	if err != nil {
		return "", fmt.Errorf("cannot query lszcrypt version: %w", err)
	}
	return ParseToolVersion(res.Stdout), nil
}

var toolVersionRe = regexp.MustCompile(`version\s+v?(\d+(?:\.\d+){0,2}[0-9A-Za-z.+-]*)`)

// ParseToolVersion extracts the version number from s390-tools banner
// output such as "lszcrypt: Linux on IBM Z tool version 2.29.0".
func ParseToolVersion(out string) string {
	m := toolVersionRe.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return m[1]
}

// ───────────────────────────────────────────
//  AP masks
// ───────────────────────────────────────────

// MaskOp selects whether bits are added to or removed from an AP mask.
type MaskOp byte

const (
	// MaskIn hands the bit back to the default zcrypt drivers.
	MaskIn MaskOp = '+'
	// MaskOut releases the bit for alternative drivers such as vfio_ap.
	MaskOut MaskOp = '-'
)

// Mask names the two AP bus mask attributes.
type Mask string

const (
	AdapterMask Mask = "apmask"
	DomainMask  Mask = "aqmask"
)

// MaskPath returns the sysfs path of an AP mask attribute.
func MaskPath(m Mask) string {
	return filepath.Join(sysBusAP, string(m))
}

// WriteMask writes "<op><bit>" to the given AP mask attribute.
func WriteMask(m Mask, op MaskOp, bit int) error {
	p := MaskPath(m)
	val := fmt.Sprintf("%c%d", op, bit)
	log.Debugf("writing %q to %s", val, p)
	if err := os.WriteFile(p, []byte(val), 0o644); err != nil {
		return fmt.Errorf("cannot write %s to %s: %w", val, p, err)
	}
	return nil
}

// ChangeDriver moves a card.domain between the default drivers and the
// alternative ones by updating apmask for the card and aqmask for the
// domain.
func ChangeDriver(id types.AdapterID, op MaskOp) error {
	if !id.HasDomain {
		return fmt.Errorf("crypto adapter id %q has no domain", id)
	}
	log.Infof("changing driver assignment of crypto adapter %s (%c)", id, op)
	if err := WriteMask(AdapterMask, op, id.CardNumber()); err != nil {
		return fmt.Errorf("cannot change driver of crypto adapter card %s: %w", id, err)
	}
	if err := WriteMask(DomainMask, op, id.DomainNumber()); err != nil {
		return fmt.Errorf("cannot change driver of crypto adapter domain %s: %w", id, err)
	}
	return nil
}
