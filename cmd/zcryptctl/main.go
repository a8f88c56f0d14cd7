// zcryptctl manages s390x crypto (AP) adapters and the vfio-ap mediated
// devices that pass them through to virtualization workers.
//
// Usage:
//
//	zcryptctl list --queues
//	zcryptctl reconcile --adapter 07.0029 --state enabled --driver other
//	zcryptctl uuidgen --worker-index 0 --assignments assignments.yaml
//	zcryptctl mdev create --uuid <uuid> --resource 07.0029
//	zcryptctl attach --device-index 0 --uuid <uuid> --worker ocp-worker-0
//	zcryptctl cdi generate --mdev <uuid>=07.0029
//	zcryptctl doctor --adapter 07.0029
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/cdi"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/discover"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/doctor"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/mdev"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/reconcile"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// newRunner is swapped in tests.
var newRunner = func() command.Runner { return command.NewExecRunner() }

// errChecksFailed makes doctor exit non-zero after printing its report.
var errChecksFailed = errors.New("diagnostics reported problems")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// globalOptions holds the persistent flags shared by all subcommands.
type globalOptions struct {
	logLevel string
	lszcrypt string
	chzcrypt string
	virsh    string
	apBusDir string
}

// lister resolves lszcrypt only, so read-only commands work on hosts
// without chzcrypt.
func (o *globalOptions) lister() (*zcrypt.Client, error) {
	ls, err := command.LookPath("lszcrypt", o.lszcrypt)
	if err != nil {
		return nil, err
	}
	return zcrypt.NewClient(newRunner(), ls, o.chzcrypt), nil
}

func (o *globalOptions) client() (*zcrypt.Client, error) {
	ls, err := command.LookPath("lszcrypt", o.lszcrypt)
	if err != nil {
		return nil, err
	}
	ch, err := command.LookPath("chzcrypt", o.chzcrypt)
	if err != nil {
		return nil, err
	}
	return zcrypt.NewClient(newRunner(), ls, ch), nil
}

func (o *globalOptions) attacher() (*mdev.Attacher, error) {
	virsh, err := command.LookPath("virsh", o.virsh)
	if err != nil {
		return nil, err
	}
	return mdev.NewAttacher(newRunner(), virsh), nil
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "zcryptctl",
		Short: "s390x crypto adapter and vfio-ap mediated device tool",
		Long:  "Configure IBM Z crypto adapters and pass them through to KVM workers as vfio-ap mediated devices.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			log.SetLevel(lvl)
			zcrypt.SetAPBusDir(opts.apBusDir)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&opts.lszcrypt, "lszcrypt", "", "Path to lszcrypt (looked up in PATH if omitted)")
	pf.StringVar(&opts.chzcrypt, "chzcrypt", "", "Path to chzcrypt (looked up in PATH if omitted)")
	pf.StringVar(&opts.virsh, "virsh", "", "Path to virsh (looked up in PATH if omitted)")
	pf.StringVar(&opts.apBusDir, "ap-bus-dir", "", "AP bus sysfs directory (default /sys/bus/ap)")

	root.AddCommand(
		newListCmd(opts),
		newInfoCmd(opts),
		newReconcileCmd(opts),
		newUUIDGenCmd(),
		newAttachCmd(opts),
		newMdevCmd(),
		newCDICmd(),
		newDoctorCmd(opts),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  list
// ──────────────────────────────────────────────

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		queues bool
		status string
		output string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crypto adapters and queues reported by lszcrypt",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.lister()
			if err != nil {
				return err
			}
			records, err := c.ListAdapters(cmd.Context())
			if err != nil {
				return err
			}
			records = discover.Filter{QueuesOnly: queues, Status: types.AdapterStatus(status)}.Apply(records)

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), records)
			default:
				discover.PrintTable(cmd.OutOrStdout(), records)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&queues, "queues", false, "Only list <card>.<domain> queues")
	cmd.Flags().StringVar(&status, "status", "", "Only list adapters with this status (online|offline|deconfig)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  info
// ──────────────────────────────────────────────

func newInfoCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "info <adapter>",
		Short: "Show the lszcrypt record of one adapter or queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAdapterID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.lister()
			if err != nil {
				return err
			}
			rec, err := c.Query(cmd.Context(), id.String())
			if err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), rec, output)
		},
	}

	cmd.Flags().StringVar(&output, "output", "yaml", "Output format (yaml|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  reconcile
// ──────────────────────────────────────────────

func newReconcileCmd(opts *globalOptions) *cobra.Command {
	var (
		adapter string
		state   string
		driver  string
		dryRun  bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring a crypto adapter queue to a target state and driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := types.ParseTargetStatus(state)
			if err != nil {
				return err
			}
			drv, err := types.ParseTargetDriver(driver)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}

			res, err := reconcile.New(reconcile.NewHost(c), reconcile.WithDryRun(dryRun)).
				Reconcile(cmd.Context(), adapter, types.DesiredState{Status: status, Driver: drv})
			if err != nil {
				return err
			}

			if output == "json" {
				return printObject(cmd.OutOrStdout(), res, "json")
			}
			verb := "Applied"
			if dryRun {
				verb = "Would apply"
			}
			if !res.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: already %s on %s driver\n", res.Adapter, status, drv)
				return nil
			}
			actions := make([]string, 0, len(res.Actions))
			for _, a := range res.Actions {
				actions = append(actions, string(a))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", res.Adapter, verb, strings.Join(actions, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&adapter, "adapter", "", "Crypto adapter queue <card>.<domain> (e.g. 07.0029)")
	cmd.Flags().StringVar(&state, "state", string(types.DefaultTargetStatus), "Target state (configured|deconfigured|enabled|disabled)")
	cmd.Flags().StringVar(&driver, "driver", string(types.DefaultTargetDriver), "Target driver (zcrypt|other)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan the actions without applying them")
	cmd.Flags().StringVar(&output, "output", "text", "Output format (text|json)")

	_ = cmd.MarkFlagRequired("adapter")

	return cmd
}

// ──────────────────────────────────────────────
//  uuidgen
// ──────────────────────────────────────────────

func newUUIDGenCmd() *cobra.Command {
	var (
		workerIndex int
		assignments string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "uuidgen",
		Short: "Allocate mediated device UUIDs for the crypto resources of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := mdev.LoadAssignments(assignments)
			if err != nil {
				return err
			}
			if err := mdev.ValidateAssignments(list); err != nil {
				return err
			}
			mappings := mdev.GenerateUUIDs(workerIndex, list)
			if len(mappings) == 0 {
				log.Warnf("no crypto resources are assigned to worker %d", workerIndex)
			}
			return printObject(cmd.OutOrStdout(), mappings, output)
		},
	}

	cmd.Flags().IntVar(&workerIndex, "worker-index", 0, "Index of the worker to allocate for")
	cmd.Flags().StringVar(&assignments, "assignments", "", "YAML or JSON file with resource assignments")
	cmd.Flags().StringVar(&output, "output", "yaml", "Output format (yaml|json)")

	_ = cmd.MarkFlagRequired("assignments")

	return cmd
}

// ──────────────────────────────────────────────
//  attach
// ──────────────────────────────────────────────

func newAttachCmd(opts *globalOptions) *cobra.Command {
	var (
		index  int
		uuid   string
		worker string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a vfio-ap mediated device to a libvirt domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				doc, err := mdev.HostdevXML(index, uuid)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc)
				return nil
			}
			a, err := opts.attacher()
			if err != nil {
				return err
			}
			if err := a.Attach(cmd.Context(), index, uuid, worker); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to %s as hostdev%d\n", uuid, worker, index)
			return nil
		},
	}

	cmd.Flags().IntVar(&index, "device-index", 0, "Index used for the hostdev alias")
	cmd.Flags().StringVar(&uuid, "uuid", "", "Mediated device UUID")
	cmd.Flags().StringVar(&worker, "worker", "", "libvirt domain name of the worker")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the hostdev XML instead of attaching it")

	_ = cmd.MarkFlagRequired("uuid")
	_ = cmd.MarkFlagRequired("worker")

	return cmd
}

// ──────────────────────────────────────────────
//  mdev
// ──────────────────────────────────────────────

func newMdevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mdev",
		Short: "Create and remove vfio-ap mediated devices",
	}

	var (
		uuid     string
		resource string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a matrix mediated device and assign a crypto resource to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseQualifiedAdapterID(resource)
			if err != nil {
				return err
			}
			if err := mdev.Create(uuid, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s with %s\n", uuid, id)
			return nil
		},
	}
	create.Flags().StringVar(&uuid, "uuid", "", "Mediated device UUID")
	create.Flags().StringVar(&resource, "resource", "", "Crypto resource <card>.<domain>")
	_ = create.MarkFlagRequired("uuid")
	_ = create.MarkFlagRequired("resource")

	var removeUUID string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a mediated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mdev.Remove(removeUUID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", removeUUID)
			return nil
		},
	}
	remove.Flags().StringVar(&removeUUID, "uuid", "", "Mediated device UUID")
	_ = remove.MarkFlagRequired("uuid")

	cmd.AddCommand(create, remove)
	return cmd
}

// ──────────────────────────────────────────────
//  cdi
// ──────────────────────────────────────────────

func newCDICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdi",
		Short: "Manage CDI specs exposing mediated devices to containers",
	}
	cmd.AddCommand(newCDIGenerateCmd(), newCDICleanupCmd(), newCDIAnnotationsCmd())
	return cmd
}

func newCDIGenerateCmd() *cobra.Command {
	var (
		mdevs     []string
		prefix    string
		name      string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a CDI spec for mediated devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices := make([]types.MediatedDevice, 0, len(mdevs))
			for _, m := range mdevs {
				uuid, resource := splitMdevArg(m)
				dev, err := mdev.Describe(uuid, resource)
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}
				devices = append(devices, *dev)
			}

			path, err := cdi.CreateCDISpec(prefix, name, devices, outputDir, format)
			if err != nil {
				return fmt.Errorf("CDI spec generation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&mdevs, "mdev", nil, "Mediated device as <uuid>[=<card>.<domain>] (repeatable)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI vendor prefix")
	cmd.Flags().StringVar(&name, "name", cdi.DefaultName, "CDI class name")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	_ = cmd.MarkFlagRequired("mdev")

	return cmd
}

func newCDICleanupCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by zcryptctl",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
				return nil
			}
			action := "Removed"
			if dryRun {
				action = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI vendor prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI class name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

func newCDIAnnotationsCmd() *cobra.Command {
	var (
		mdevs  []string
		prefix string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "annotations",
		Short: "Print the CDI container annotations for mediated devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices := make([]types.MediatedDevice, 0, len(mdevs))
			for _, m := range mdevs {
				uuid, resource := splitMdevArg(m)
				devices = append(devices, types.MediatedDevice{UUID: uuid, Resource: resource})
			}
			ann, err := cdi.CreateContainerAnnotations(devices, prefix, name)
			if err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), ann, "json")
		},
	}

	cmd.Flags().StringSliceVar(&mdevs, "mdev", nil, "Mediated device as <uuid>[=<card>.<domain>] (repeatable)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI vendor prefix")
	cmd.Flags().StringVar(&name, "name", cdi.DefaultName, "CDI class name")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	var (
		adapters []string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for crypto passthrough readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tools := []doctor.Tool{
				{Name: "lszcrypt", Path: opts.lszcrypt, Required: true},
				{Name: "chzcrypt", Path: opts.chzcrypt, Required: true},
				{Name: "virsh", Path: opts.virsh},
			}

			var vs doctor.VersionSource
			c, err := opts.lister()
			if err == nil {
				vs = c
			} else {
				log.Debugf("skipping lszcrypt based checks: %v", err)
			}

			reports := []*doctor.Report{doctor.DiagnoseHost(ctx, tools, vs)}
			if c != nil {
				for _, a := range adapters {
					reports = append(reports, doctor.DiagnoseAdapter(ctx, c, a))
				}
			}
			merged := doctor.MergeReports(reports...)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			if merged.ExitNonZero(strict) {
				return errChecksFailed
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&adapters, "adapter", nil, "Crypto adapter or queue to check (repeatable)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zcryptctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// splitMdevArg splits "<uuid>=<resource>"; the resource is optional.
func splitMdevArg(s string) (uuid, resource string) {
	uuid, resource, _ = strings.Cut(s, "=")
	return strings.TrimSpace(uuid), strings.TrimSpace(resource)
}

// printObject writes v as indented JSON or as YAML.
func printObject(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format %q: use json or yaml", format)
	}
}

