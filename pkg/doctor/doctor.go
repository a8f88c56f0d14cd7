// Package doctor provides s390x crypto environment diagnostics.
// It checks the s390-tools binaries, the AP kernel modules, the AP bus
// masks, the s390-tools version, and the state of individual adapters.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/filters"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

var sysModule = "/sys/module"

// Kernel modules for the AP bus. Missing required modules fail the
// report, missing optional ones only warn.
var (
	requiredKernelModules = []string{"ap", "zcrypt"}
	optionalKernelModules = []string{"vfio_ap"}
)

// minToolsVersion is the first s390-tools release whose chzcrypt knows
// --config-on and --config-off.
var minToolsVersion = filters.Version{Major: 2, Minor: 16}

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Adapter  string   `json:"adapter,omitempty"`
}

// Report holds all diagnostic results for an adapter or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// ExitNonZero reports whether the report should fail the doctor command.
// In strict mode warnings count as failures.
func (r *Report) ExitNonZero(strict bool) bool {
	return r.HasFail || (strict && r.HasWarn)
}

// Tool is an external binary the host needs.
type Tool struct {
	Name string
	// Path overrides the PATH lookup when set.
	Path     string
	Required bool
}

// VersionSource reports the installed s390-tools version.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// DiagnoseHost runs the host level checks. vs may be nil when lszcrypt
// is unavailable.
func DiagnoseHost(ctx context.Context, tools []Tool, vs VersionSource) *Report {
	report := &Report{}
	checkBinaries(report, tools)
	checkKernelModules(report)
	checkMasks(report)
	if vs != nil {
		checkToolsVersion(ctx, report, vs)
	}
	return report
}

func checkBinaries(report *Report, tools []Tool) {
	for _, t := range tools {
		check := "binary_" + t.Name
		p, err := command.LookPath(t.Name, t.Path)
		if err == nil {
			_, err = os.Stat(p)
		}
		if err != nil {
			sev := Warn
			if t.Required {
				sev = Fail
			}
			report.add(CheckResult{
				Check:    check,
				Severity: sev,
				Message:  fmt.Sprintf("%s not available: %v", t.Name, err),
			})
			continue
		}
		report.add(CheckResult{
			Check:    check,
			Severity: Pass,
			Message:  fmt.Sprintf("%s found at %s", t.Name, p),
		})
	}
}

func missingModules(mods []string) []string {
	var missing []string
	for _, mod := range mods {
		if _, err := os.Stat(filepath.Join(sysModule, mod)); os.IsNotExist(err) {
			missing = append(missing, mod)
		}
	}
	return missing
}

// checkKernelModules verifies that the AP bus modules are loaded.
func checkKernelModules(report *Report) {
	if missing := missingModules(requiredKernelModules); len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel modules: %s", strings.Join(missing, ", ")),
		})
	} else {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Pass,
			Message:  fmt.Sprintf("All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", ")),
		})
	}

	if missing := missingModules(optionalKernelModules); len(missing) > 0 {
		report.add(CheckResult{
			Check:    "vfio_ap_module",
			Severity: Warn,
			Message:  fmt.Sprintf("%s not loaded, crypto passthrough to workers is unavailable", strings.Join(missing, ", ")),
		})
	} else {
		report.add(CheckResult{
			Check:    "vfio_ap_module",
			Severity: Pass,
			Message:  "vfio_ap loaded",
		})
	}
}

// checkMasks verifies that the AP bus masks used for driver changes exist
// and are writable. Without the AP bus directory the masks are not checked.
func checkMasks(report *Report) {
	bus := zcrypt.APBusDir()
	if fi, err := os.Stat(bus); err != nil || !fi.IsDir() {
		report.add(CheckResult{
			Check:    "ap_bus",
			Severity: Fail,
			Message:  fmt.Sprintf("AP bus not found at %s, is this an s390x host?", bus),
		})
		return
	}
	report.add(CheckResult{
		Check:    "ap_bus",
		Severity: Pass,
		Message:  bus,
	})

	for _, m := range []zcrypt.Mask{zcrypt.AdapterMask, zcrypt.DomainMask} {
		check := "ap_" + string(m)
		p := zcrypt.MaskPath(m)
		data, err := os.ReadFile(p)
		if err != nil {
			report.add(CheckResult{
				Check:    check,
				Severity: Fail,
				Message:  fmt.Sprintf("Cannot read %s: %v", p, err),
			})
			continue
		}
		f, err := os.OpenFile(p, os.O_WRONLY, 0)
		if err != nil {
			report.add(CheckResult{
				Check:    check,
				Severity: Warn,
				Message:  fmt.Sprintf("%s is not writable, driver changes will fail: %v", p, err),
			})
			continue
		}
		f.Close()
		report.add(CheckResult{
			Check:    check,
			Severity: Pass,
			Message:  fmt.Sprintf("%s = %s", p, strings.TrimSpace(string(data))),
		})
	}
}

// checkToolsVersion compares the s390-tools version against
// minToolsVersion.
func checkToolsVersion(ctx context.Context, report *Report, vs VersionSource) {
	raw, err := vs.Version(ctx)
	if err != nil {
		report.add(CheckResult{
			Check:    "s390_tools_version",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot determine s390-tools version: %v", err),
		})
		return
	}
	v, err := filters.ParseVersion(raw)
	if err != nil {
		report.add(CheckResult{
			Check:    "s390_tools_version",
			Severity: Warn,
			Message:  fmt.Sprintf("Unrecognized s390-tools version %q", raw),
		})
		return
	}
	if v.Less(minToolsVersion) {
		report.add(CheckResult{
			Check:    "s390_tools_version",
			Severity: Warn,
			Message:  fmt.Sprintf("s390-tools %s is older than %s, configure/deconfigure is unsupported", v, minToolsVersion),
		})
		return
	}
	report.add(CheckResult{
		Check:    "s390_tools_version",
		Severity: Pass,
		Message:  fmt.Sprintf("s390-tools %s", v),
	})
}

// DiagnoseAdapter checks the status and driver of a single adapter.
func DiagnoseAdapter(ctx context.Context, l types.AdapterLister, id string) *Report {
	report := &Report{}

	rec, err := zcrypt.QueryAdapter(ctx, l, id)
	if err != nil {
		msg := fmt.Sprintf("Cannot query adapter: %v", err)
		if errors.Is(err, zcrypt.ErrNotFound) {
			msg = "Adapter not present in lszcrypt report"
		}
		report.add(CheckResult{Check: "adapter_present", Severity: Fail, Message: msg, Adapter: id})
		return report
	}
	report.add(CheckResult{
		Check:    "adapter_present",
		Severity: Pass,
		Message:  fmt.Sprintf("%s %s", rec.Type, rec.Mode),
		Adapter:  id,
	})

	switch rec.Status {
	case types.StatusOnline:
		report.add(CheckResult{Check: "adapter_status", Severity: Pass, Message: "online", Adapter: id})
	case types.StatusOffline, types.StatusDeconfig:
		report.add(CheckResult{
			Check:    "adapter_status",
			Severity: Warn,
			Message:  fmt.Sprintf("Adapter is %s", rec.Status),
			Adapter:  id,
		})
	default:
		report.add(CheckResult{
			Check:    "adapter_status",
			Severity: Fail,
			Message:  fmt.Sprintf("Unknown adapter status %q", rec.Status),
			Adapter:  id,
		})
	}

	if rec.IsQueue() {
		checkDriver(report, id, rec.Driver)
	}
	return report
}

func checkDriver(report *Report, id, driver string) {
	switch {
	case types.ClassifyDriver(driver) == types.DriverCex:
		report.add(CheckResult{
			Check:    "adapter_driver",
			Severity: Pass,
			Message:  fmt.Sprintf("Bound to default driver %s", driver),
			Adapter:  id,
		})
	case driver == "vfio_ap":
		report.add(CheckResult{
			Check:    "adapter_driver",
			Severity: Pass,
			Message:  "Bound to vfio_ap for passthrough",
			Adapter:  id,
		})
	case types.ClassifyDriver(driver) == types.DriverNone:
		report.add(CheckResult{
			Check:    "adapter_driver",
			Severity: Warn,
			Message:  "Masked out of the default drivers but not bound to vfio_ap",
			Adapter:  id,
		})
	default:
		report.add(CheckResult{
			Check:    "adapter_driver",
			Severity: Warn,
			Message:  fmt.Sprintf("Unexpected driver %q", driver),
			Adapter:  id,
		})
	}
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "ADAPTER", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		adapter := r.Adapter
		if adapter == "" {
			adapter = "(host)"
		}
		table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, adapter, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines host and adapter reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
