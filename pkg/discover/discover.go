// Package discover formats the crypto adapters and queues reported by
// lszcrypt for the list subcommand.
package discover

import (
	"encoding/json"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/filters"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

// Filter selects which records are listed.
type Filter struct {
	// QueuesOnly keeps <card>.<domain> records and drops card records.
	QueuesOnly bool
	// Status keeps only records with this status when non-empty.
	Status types.AdapterStatus
}

// Apply returns the records matching f, in input order.
func (f Filter) Apply(records []types.AdapterRecord) []types.AdapterRecord {
	out := make([]types.AdapterRecord, 0, len(records))
	for _, r := range records {
		if f.QueuesOnly && !r.IsQueue() {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	return out
}

// k8sMode is the crypto mode the Kubernetes crypto device plugin uses
// for a record, "-" when it has none.
func k8sMode(r types.AdapterRecord) string {
	if m := filters.CexMode([]string{r.Mode}); m != "" {
		return m
	}
	return "-"
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

// PrintTable renders records as a human-readable table.
func PrintTable(w io.Writer, records []types.AdapterRecord) {
	table := tablewriter.NewTable(w, tablewriter.WithHeaderAutoFormat(tw.Off))
	table.Header("CARD", "TYPE", "MODE", "K8S MODE", "STATUS", "DRIVER", "REQUESTS")
	for _, r := range records {
		table.Append(r.Card, orUnknown(r.Type), orUnknown(r.Mode), k8sMode(r),
			string(r.Status), orUnknown(r.Driver), r.Requests)
	}
	table.Render()
}

// AdapterJSON is the JSON representation of a listed record.
type AdapterJSON struct {
	types.AdapterRecord
	Queue   bool              `json:"queue"`
	K8sMode string            `json:"k8s_mode,omitempty"`
	Class   types.DriverClass `json:"driver_class,omitempty"`
}

// PrintJSON renders records as a JSON array.
func PrintJSON(w io.Writer, records []types.AdapterRecord) error {
	out := make([]AdapterJSON, 0, len(records))
	for _, r := range records {
		out = append(out, AdapterJSON{
			AdapterRecord: r,
			Queue:         r.IsQueue(),
			K8sMode:       filters.CexMode([]string{r.Mode}),
			Class:         types.ClassifyDriver(r.Driver),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
