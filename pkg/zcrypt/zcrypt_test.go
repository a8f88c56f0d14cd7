package zcrypt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/command/commandtest"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
)

const sampleReport = `CARD.DOMAIN TYPE  MODE        STATUS  REQUESTS  PENDING HWTYPE QDEPTH FUNCTIONS  DRIVER
--------------------------------------------------------------------------------------------
07          CEX6P EP11-Coproc online         0        0     12     08 -----XNF- cex4card
07.0029     CEX6P EP11-Coproc online         0        0     12     08 -----XNF- cex4queue
07.002a     CEX6P EP11-Coproc offline        3        0     12     08 -----XNF- -no-driver-
08          CEX7C CCA-Coproc  deconfig       0        0     13     08 S--D--N-- cex4card
`

// ──────────────────────────────────────────────
//  ParseReport
// ──────────────────────────────────────────────

func TestParseReport_Fields(t *testing.T) {
	records, err := ParseReport(sampleReport)
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	want := types.AdapterRecord{
		Card:      "07.0029",
		Type:      "CEX6P",
		Mode:      "EP11-Coproc",
		Status:    types.StatusOnline,
		Requests:  "0",
		Pending:   "0",
		HWType:    "12",
		QDepth:    "08",
		Functions: "-----XNF-",
		Driver:    "cex4queue",
	}
	if records[1] != want {
		t.Errorf("record[1] = %+v, want %+v", records[1], want)
	}
	if records[2].Driver != "-no-driver-" || records[2].Requests != "3" {
		t.Errorf("unexpected record[2]: %+v", records[2])
	}
}

func TestParseReport_HeaderOnly(t *testing.T) {
	records, err := ParseReport("CARD.DOMAIN TYPE MODE\n-----\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestParseReport_Empty(t *testing.T) {
	records, err := ParseReport("")
	if err != nil || records != nil {
		t.Errorf("ParseReport(\"\") = %v, %v; want nil, nil", records, err)
	}
}

func TestParseReport_Malformed(t *testing.T) {
	_, err := ParseReport("h\n-\n07 CEX6P EP11-Coproc online\n")
	if err == nil {
		t.Fatal("expected error for short line")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("error should name the line, got: %v", err)
	}
}

// ──────────────────────────────────────────────
//  FindAdapter / Query
// ──────────────────────────────────────────────

func TestFindAdapter_ExactIdentity(t *testing.T) {
	records, _ := ParseReport(sampleReport)

	tests := []struct {
		id    string
		found bool
	}{
		{"07", true},
		{"07.0029", true},
		{"07.002a", true},
		{"07.002", false},
		{"7", false},
		{"07.0030", false},
		{"", false},
	}
	for _, tc := range tests {
		rec, ok := FindAdapter(records, tc.id)
		if ok != tc.found {
			t.Errorf("FindAdapter(%q) found=%v, want %v", tc.id, ok, tc.found)
		}
		if ok && rec.Card != tc.id {
			t.Errorf("FindAdapter(%q) returned %q", tc.id, rec.Card)
		}
	}
}

func newFakeClient(report string, rc int) (*Client, *commandtest.FakeRunner) {
	fake := &commandtest.FakeRunner{Handler: commandtest.Static(map[string]command.Result{
		"lszcrypt -V": {Stdout: report, ExitCode: rc},
		"lszcrypt -v": {Stdout: "lszcrypt: Linux on IBM Z tool version 2.29.0\n"},
		"chzcrypt":    {},
	})}
	return NewClient(fake, "lszcrypt", "chzcrypt"), fake
}

func TestQuery_Found(t *testing.T) {
	c, _ := newFakeClient(sampleReport, 0)
	rec, err := c.Query(context.Background(), "08")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if rec.Status != types.StatusDeconfig {
		t.Errorf("Status = %q, want deconfig", rec.Status)
	}
}

func TestQuery_NotFound(t *testing.T) {
	c, _ := newFakeClient(sampleReport, 0)
	_, err := c.Query(context.Background(), "09.0001")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQuery_CommandFails(t *testing.T) {
	c, _ := newFakeClient("", 1)
	_, err := c.Query(context.Background(), "07")
	if err == nil {
		t.Fatal("expected error when lszcrypt fails")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("command failure must not look like not-found")
	}
}

// ──────────────────────────────────────────────
//  ChangeState
// ──────────────────────────────────────────────

func TestChangeState_Flags(t *testing.T) {
	tests := []struct {
		target types.TargetStatus
		want   string
	}{
		{types.TargetConfigured, "chzcrypt --config-on 07.0029"},
		{types.TargetDeconfigured, "chzcrypt --config-off 07.0029"},
		{types.TargetEnabled, "chzcrypt -e 07.0029"},
		{types.TargetDisabled, "chzcrypt -d 07.0029"},
	}
	for _, tc := range tests {
		t.Run(string(tc.target), func(t *testing.T) {
			c, fake := newFakeClient(sampleReport, 0)
			if err := c.ChangeState(context.Background(), "07.0029", tc.target); err != nil {
				t.Fatalf("ChangeState failed: %v", err)
			}
			lines := fake.CommandLines()
			if len(lines) != 1 || lines[0] != tc.want {
				t.Errorf("commands = %v, want [%s]", lines, tc.want)
			}
		})
	}
}

func TestChangeState_NonZeroExit(t *testing.T) {
	fake := &commandtest.FakeRunner{Handler: func(commandtest.Call) (command.Result, error) {
		return command.Result{ExitCode: 1, Stderr: "permission denied"}, nil
	}}
	c := NewClient(fake, "", "")
	err := c.ChangeState(context.Background(), "07.0029", types.TargetEnabled)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected failure with stderr, got %v", err)
	}
}

func TestChangeState_UnknownTarget(t *testing.T) {
	c, fake := newFakeClient(sampleReport, 0)
	if err := c.ChangeState(context.Background(), "07.0029", "rebooted"); err == nil {
		t.Error("expected error for unknown target")
	}
	if len(fake.Calls) != 0 {
		t.Errorf("no command should run, got %v", fake.CommandLines())
	}
}

// ──────────────────────────────────────────────
//  Version
// ──────────────────────────────────────────────

func TestParseToolVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lszcrypt: Linux on IBM Z tool version 2.29.0\nCopyright IBM Corp. 2008, 2023\n", "2.29.0"},
		{"lszcrypt: Linux on System z tool version 1.36.1-build-20161018", "1.36.1-build-20161018"},
		{"lszcrypt version v2.15", "2.15"},
		{"garbage", ""},
	}
	for _, tc := range tests {
		if got := ParseToolVersion(tc.in); got != tc.want {
			t.Errorf("ParseToolVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClientVersion(t *testing.T) {
	c, _ := newFakeClient(sampleReport, 0)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v != "2.29.0" {
		t.Errorf("Version = %q, want 2.29.0", v)
	}
}

// ──────────────────────────────────────────────
//  AP masks with fake sysfs
// ──────────────────────────────────────────────

func fakeAPBus(t *testing.T) string {
	t.Helper()
	orig := sysBusAP
	t.Cleanup(func() { sysBusAP = orig })

	dir := t.TempDir()
	for _, m := range []Mask{AdapterMask, DomainMask} {
		if err := os.WriteFile(filepath.Join(dir, string(m)), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	SetAPBusDir(dir)
	return dir
}

func TestChangeDriver_MaskOut(t *testing.T) {
	dir := fakeAPBus(t)
	id, _ := types.ParseAdapterID("07.002a")

	if err := ChangeDriver(id, MaskOut); err != nil {
		t.Fatalf("ChangeDriver failed: %v", err)
	}

	ap, _ := os.ReadFile(filepath.Join(dir, "apmask"))
	aq, _ := os.ReadFile(filepath.Join(dir, "aqmask"))
	if string(ap) != "-7" {
		t.Errorf("apmask = %q, want -7", ap)
	}
	if string(aq) != "-42" {
		t.Errorf("aqmask = %q, want -42", aq)
	}
}

func TestChangeDriver_MaskIn(t *testing.T) {
	dir := fakeAPBus(t)
	id, _ := types.ParseAdapterID("0b.0029")

	if err := ChangeDriver(id, MaskIn); err != nil {
		t.Fatalf("ChangeDriver failed: %v", err)
	}

	ap, _ := os.ReadFile(filepath.Join(dir, "apmask"))
	aq, _ := os.ReadFile(filepath.Join(dir, "aqmask"))
	if string(ap) != "+11" || string(aq) != "+41" {
		t.Errorf("apmask=%q aqmask=%q, want +11 / +41", ap, aq)
	}
}

func TestChangeDriver_NoDomain(t *testing.T) {
	fakeAPBus(t)
	id, _ := types.ParseAdapterID("07")
	if err := ChangeDriver(id, MaskOut); err == nil {
		t.Error("expected error for card-only id")
	}
}

func TestChangeDriver_MissingSysfs(t *testing.T) {
	orig := sysBusAP
	defer func() { sysBusAP = orig }()
	sysBusAP = filepath.Join(t.TempDir(), "missing")

	id, _ := types.ParseAdapterID("07.0029")
	err := ChangeDriver(id, MaskIn)
	if err == nil || !strings.Contains(err.Error(), "card") {
		t.Errorf("expected card mask failure, got %v", err)
	}
}
