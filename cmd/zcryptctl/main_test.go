package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command/commandtest"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

const report = `CARD.DOMAIN TYPE  MODE        STATUS  REQUESTS  PENDING HWTYPE QDEPTH FUNCTIONS  DRIVER
--------------------------------------------------------------------------------------------
07          CEX6P EP11-Coproc online         0        0     12     08 -----XNF- cex4card
07.0029     CEX6P EP11-Coproc online         0        0     12     08 -----XNF- cex4queue
07.002a     CEX6P EP11-Coproc offline        3        0     12     08 -----XNF- -no-driver-
`

const testUUID = "34ef0de3-ab1c-4adc-ac6c-0741338b39ea"

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

func withFakeRunner(t *testing.T, outputs map[string]command.Result) *commandtest.FakeRunner {
	t.Helper()
	r := &commandtest.FakeRunner{Handler: commandtest.Static(outputs)}
	orig := newRunner
	newRunner = func() command.Runner { return r }
	t.Cleanup(func() { newRunner = orig })
	return r
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	orig := zcrypt.APBusDir()
	t.Cleanup(func() { zcrypt.SetAPBusDir(orig) })

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

var fakeTools = []string{"--lszcrypt", "lszcrypt", "--chzcrypt", "chzcrypt", "--virsh", "virsh"}

func withTools(args ...string) []string {
	return append(append([]string{}, fakeTools...), args...)
}

// ──────────────────────────────────────────────
//  rootCmd structure
// ──────────────────────────────────────────────

func TestRootCmd_HasAllSubcommands(t *testing.T) {
	root := rootCmd()

	expected := map[string]bool{
		"list":      false,
		"info":      false,
		"reconcile": false,
		"uuidgen":   false,
		"attach":    false,
		"mdev":      false,
		"cdi":       false,
		"doctor":    false,
		"version":   false,
	}
	for _, sub := range root.Commands() {
		if _, ok := expected[sub.Name()]; ok {
			expected[sub.Name()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	root := rootCmd()
	for _, flag := range []string{"log-level", "lszcrypt", "chzcrypt", "virsh", "ap-bus-dir"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("root command missing --%s", flag)
		}
	}
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		path  []string
		flags []string
	}{
		{[]string{"list"}, []string{"queues", "status", "output"}},
		{[]string{"reconcile"}, []string{"adapter", "state", "driver", "dry-run", "output"}},
		{[]string{"uuidgen"}, []string{"worker-index", "assignments", "output"}},
		{[]string{"attach"}, []string{"device-index", "uuid", "worker", "dry-run"}},
		{[]string{"mdev", "create"}, []string{"uuid", "resource"}},
		{[]string{"cdi", "generate"}, []string{"mdev", "prefix", "name", "output-dir", "format"}},
		{[]string{"cdi", "cleanup"}, []string{"prefix", "name", "output-dir", "dry-run"}},
		{[]string{"doctor"}, []string{"adapter", "strict", "show-pass", "output"}},
	}
	for _, tc := range tests {
		t.Run(strings.Join(tc.path, "_"), func(t *testing.T) {
			cmd, _, err := rootCmd().Find(tc.path)
			if err != nil {
				t.Fatalf("cannot find command: %v", err)
			}
			for _, f := range tc.flags {
				if cmd.Flags().Lookup(f) == nil {
					t.Errorf("%s missing flag --%s", cmd.Name(), f)
				}
			}
		})
	}
}

func TestReconcileCmd_DefaultValues(t *testing.T) {
	cmd := newReconcileCmd(&globalOptions{})
	if v := cmd.Flags().Lookup("state").DefValue; v != "enabled" {
		t.Errorf("--state default = %q, want enabled", v)
	}
	if v := cmd.Flags().Lookup("driver").DefValue; v != "zcrypt" {
		t.Errorf("--driver default = %q, want zcrypt", v)
	}
}

// ──────────────────────────────────────────────
//  list / info
// ──────────────────────────────────────────────

func TestListCmd_Table(t *testing.T) {
	withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	out, err := execute(t, withTools("list", "--queues")...)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "07.0029") || !strings.Contains(out, "07.002a") {
		t.Errorf("queues missing from output:\n%s", out)
	}
	if strings.Contains(out, "cex4card") {
		t.Errorf("card record should be filtered out:\n%s", out)
	}
}

func TestListCmd_JSON(t *testing.T) {
	withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	out, err := execute(t, withTools("list", "--status", "offline", "--output", "json")...)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var recs []map[string]any
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(recs) != 1 || recs[0]["card"] != "07.002a" {
		t.Errorf("unexpected records %v", recs)
	}
}

func TestInfoCmd(t *testing.T) {
	withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	out, err := execute(t, withTools("info", "07.0029", "--output", "json")...)
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	var rec types.AdapterRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec.Driver != "cex4queue" {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := execute(t, withTools("info", "09.0001")...); !errors.Is(err, zcrypt.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := execute(t, withTools("info", "bogus")...); err == nil {
		t.Error("expected error for malformed adapter id")
	}
}

// ──────────────────────────────────────────────
//  reconcile
// ──────────────────────────────────────────────

func TestReconcileCmd_DryRun(t *testing.T) {
	r := withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	out, err := execute(t, withTools("reconcile", "--adapter", "07.002a", "--dry-run")...)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !strings.Contains(out, "Would apply enable, mask-in") {
		t.Errorf("unexpected output %q", out)
	}
	for _, l := range r.CommandLines() {
		if strings.HasPrefix(l, "chzcrypt") {
			t.Errorf("dry run must not call chzcrypt: %v", r.CommandLines())
		}
	}
}

func TestReconcileCmd_NoChange(t *testing.T) {
	withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	out, err := execute(t, withTools("reconcile", "--adapter", "07.0029", "--output", "json")...)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if res["changed"] != false {
		t.Errorf("expected no change, got %v", res)
	}
}

func TestReconcileCmd_Errors(t *testing.T) {
	withFakeRunner(t, map[string]command.Result{"lszcrypt -V": {Stdout: report}})
	if _, err := execute(t, withTools("reconcile")...); err == nil {
		t.Error("expected error without --adapter")
	}
	if _, err := execute(t, withTools("reconcile", "--adapter", "07.0029", "--state", "up")...); err == nil {
		t.Error("expected error for invalid --state")
	}
}

// ──────────────────────────────────────────────
//  uuidgen / attach
// ──────────────────────────────────────────────

func TestUUIDGenCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.yaml")
	content := "resource_assignments:\n- id: \"07.0029\"\n  assign_to_worker: 1\n- id: \"07.002a\"\n  assign_to_worker: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "uuidgen", "--worker-index", "1", "--assignments", path, "--output", "json")
	if err != nil {
		t.Fatalf("uuidgen failed: %v", err)
	}
	var mappings []types.MdevMapping
	if err := json.Unmarshal([]byte(out), &mappings); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(mappings) != 1 || mappings[0].Resource != "07.0029" || mappings[0].UUID == "" {
		t.Errorf("unexpected mappings %+v", mappings)
	}
}

func TestAttachCmd_DryRun(t *testing.T) {
	r := withFakeRunner(t, nil)
	out, err := execute(t, withTools("attach", "--device-index", "1", "--uuid", testUUID, "--worker", "w0", "--dry-run")...)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if !strings.Contains(out, testUUID) || !strings.Contains(out, "hostdev1") {
		t.Errorf("unexpected XML:\n%s", out)
	}
	if len(r.Calls) != 0 {
		t.Errorf("dry run must not call virsh: %v", r.CommandLines())
	}
}

func TestAttachCmd_RunsVirsh(t *testing.T) {
	r := withFakeRunner(t, map[string]command.Result{"virsh attach-device": {}})
	if _, err := execute(t, withTools("attach", "--uuid", testUUID, "--worker", "w0")...); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if len(r.Calls) != 1 || r.Calls[0].Name != "virsh" {
		t.Errorf("expected one virsh call, got %v", r.CommandLines())
	}
}

// ──────────────────────────────────────────────
//  cdi
// ──────────────────────────────────────────────

func TestCDICleanupCmd(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "zcrypt-cdi_s390.ibm.com_crypto.yaml")
	if err := os.WriteFile(spec, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "cdi", "cleanup", "--output-dir", dir, "--dry-run")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out, "Would remove: "+spec) {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "cdi", "cleanup", "--output-dir", dir)
	if err != nil || !strings.Contains(out, "Removed: ") {
		t.Fatalf("cleanup: %v, %q", err, out)
	}
	if _, err := os.Stat(spec); !os.IsNotExist(err) {
		t.Error("spec should be removed")
	}

	out, _ = execute(t, "cdi", "cleanup", "--output-dir", dir)
	if !strings.Contains(out, "No matching spec files found.") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCDIAnnotationsCmd(t *testing.T) {
	out, err := execute(t, "cdi", "annotations", "--mdev", testUUID+"=07.0029")
	if err != nil {
		t.Fatalf("annotations failed: %v", err)
	}
	var ann map[string]string
	if err := json.Unmarshal([]byte(out), &ann); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	qn := "s390.ibm.com/crypto=07-0029"
	if ann[qn] != qn {
		t.Errorf("unexpected annotations %v", ann)
	}
}

func TestSplitMdevArg(t *testing.T) {
	tests := []struct {
		in, uuid, resource string
	}{
		{testUUID + "=07.0029", testUUID, "07.0029"},
		{testUUID, testUUID, ""},
		{" " + testUUID + " = 07.0029 ", testUUID, "07.0029"},
	}
	for _, tc := range tests {
		u, r := splitMdevArg(tc.in)
		if u != tc.uuid || r != tc.resource {
			t.Errorf("splitMdevArg(%q) = %q, %q", tc.in, u, r)
		}
	}
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func TestDoctorCmd_MissingBinariesFail(t *testing.T) {
	withFakeRunner(t, nil)
	missing := filepath.Join(t.TempDir(), "missing")
	out, err := execute(t, "--lszcrypt", missing, "--chzcrypt", missing, "--ap-bus-dir", t.TempDir(),
		"doctor", "--adapter", "07.0029", "--output", "json")
	if !errors.Is(err, errChecksFailed) {
		t.Fatalf("expected errChecksFailed, got %v", err)
	}

	var results []map[string]any
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	found := false
	for _, r := range results {
		if r["check"] == "binary_chzcrypt" && r["severity"] == "FAIL" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected FAIL for chzcrypt, got %v", results)
	}
}

// ──────────────────────────────────────────────
//  --log-level flag
// ──────────────────────────────────────────────

func TestRootCmd_LogLevelFlag(t *testing.T) {
	f := rootCmd().PersistentFlags().Lookup("log-level")
	if f == nil {
		t.Fatal("root command missing --log-level flag")
	}
	if f.DefValue != "info" {
		t.Errorf("--log-level default = %q, want 'info'", f.DefValue)
	}
}

func TestRootCmd_LogLevelInvalid(t *testing.T) {
	_, err := execute(t, "--log-level", "bogus", "version")
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected 'invalid log level' in error, got: %v", err)
	}
}

func TestRootCmd_HelpOutput(t *testing.T) {
	out, _ := execute(t, "--help")
	if !strings.Contains(out, "crypto") {
		t.Error("help output should contain tool description")
	}
	for _, sub := range []string{"list", "reconcile", "uuidgen", "attach", "doctor"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output should list %q subcommand", sub)
		}
	}
}

// ──────────────────────────────────────────────
//  version command
// ──────────────────────────────────────────────

func TestVersionCmd_Output(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "zcryptctl") || !strings.Contains(out, "commit:") {
		t.Errorf("unexpected version output %q", out)
	}
}
