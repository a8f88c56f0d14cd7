// Package ansible implements the Ansible binary module contract: the
// module gets the path of a JSON file holding its arguments as its only
// argument and prints exactly one JSON object on stdout.
package ansible

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// LogLevelEnv selects the log level of module binaries. Logs go to
// stderr, stdout is reserved for the result.
const LogLevelEnv = "ZCRYPT_LOG_LEVEL"

const defaultLogLevel = log.WarnLevel

// Response is the JSON object a module prints.
type Response map[string]any

// Common holds the internal arguments Ansible adds to every args file.
type Common struct {
	CheckMode  bool   `json:"_ansible_check_mode"`
	Diff       bool   `json:"_ansible_diff"`
	ModuleName string `json:"_ansible_module_name"`
}

// Module is the body of a binary module. check is true when the play runs
// in check mode.
type Module func(ctx context.Context, check bool) (Response, error)

// ParseArgs decodes an args document into params and the common Ansible
// arguments. YAML is accepted as well as JSON.
func ParseArgs(data []byte, params any) (Common, error) {
	var c Common
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("cannot parse module arguments: %w", err)
	}
	if params != nil {
		if err := yaml.Unmarshal(data, params); err != nil {
			return c, fmt.Errorf("cannot parse module arguments: %w", err)
		}
	}
	return c, nil
}

// LoadArgs reads and decodes an args file.
func LoadArgs(path string, params any) (Common, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Common{}, fmt.Errorf("cannot read module arguments %s: %w", path, err)
	}
	return ParseArgs(data, params)
}

// SetupLogging sends logs to w at the level named by LogLevelEnv.
func SetupLogging(w io.Writer) {
	log.SetOutput(w)
	lvl := defaultLogLevel
	if s := os.Getenv(LogLevelEnv); s != "" {
		if l, err := log.ParseLevel(s); err == nil {
			lvl = l
		}
	}
	log.SetLevel(lvl)
}

// Run executes a module: it decodes argv[1] into params, runs m and writes
// the response to stdout. It returns the process exit code.
func Run(ctx context.Context, argv []string, stdout io.Writer, params any, m Module) int {
	if len(argv) < 2 {
		return Fail(stdout, fmt.Errorf("no argument file provided"))
	}
	common, err := LoadArgs(argv[1], params)
	if err != nil {
		return Fail(stdout, err)
	}
	log.Debugf("running %s (check mode %v)", common.ModuleName, common.CheckMode)

	resp, err := m(ctx, common.CheckMode)
	if err != nil {
		return Fail(stdout, err)
	}
	return Exit(stdout, resp)
}

// Exit writes a successful response. A missing changed key defaults to
// false.
func Exit(w io.Writer, resp Response) int {
	if resp == nil {
		resp = Response{}
	}
	if _, ok := resp["changed"]; !ok {
		resp["changed"] = false
	}
	if err := write(w, resp); err != nil {
		return 1
	}
	return 0
}

// Fail writes a failed response carrying err as msg.
func Fail(w io.Writer, err error) int {
	log.Debugf("module failed: %v", err)
	write(w, Response{"failed": true, "changed": false, "msg": err.Error()})
	return 1
}

func write(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(w, `{"failed": true, "msg": %q}`+"\n", err.Error())
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
