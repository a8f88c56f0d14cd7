// Package reconcile converges a crypto adapter towards a desired state and
// driver assignment.
//
// A run observes the adapter through the lszcrypt report, applies at most
// one chzcrypt state change, observes the adapter again and applies at most
// one driver (AP mask) change. Every failure is fatal and reported as an
// *Error carrying a Kind.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/types"
	"github.com/ibm-s390-cloud/ocp-kvm-ipi-automation/pkg/zcrypt"
)

// Action is one change a run applies (or would apply in check mode).
type Action string

const (
	ActionNone      Action = ""
	ActionConfigOn  Action = "config-on"
	ActionConfigOff Action = "config-off"
	ActionEnable    Action = "enable"
	ActionDisable   Action = "disable"
	ActionMaskOut   Action = "mask-out"
	ActionMaskIn    Action = "mask-in"
)

// actionTargets maps state actions back to the chzcrypt target state.
var actionTargets = map[Action]types.TargetStatus{
	ActionConfigOn:  types.TargetConfigured,
	ActionConfigOff: types.TargetDeconfigured,
	ActionEnable:    types.TargetEnabled,
	ActionDisable:   types.TargetDisabled,
}

// stateTable is the legal transition table. A missing target under a known
// state is an invalid transition.
//
//	current   configured  deconfigured  enabled  disabled
//	deconfig  config-on   -             invalid  invalid
//	online    -           config-off    -        disable
//	offline   -           config-off    enable   -
var stateTable = map[types.AdapterStatus]map[types.TargetStatus]Action{
	types.StatusDeconfig: {
		types.TargetConfigured:   ActionConfigOn,
		types.TargetDeconfigured: ActionNone,
	},
	types.StatusOnline: {
		types.TargetConfigured:   ActionNone,
		types.TargetDeconfigured: ActionConfigOff,
		types.TargetEnabled:      ActionNone,
		types.TargetDisabled:     ActionDisable,
	},
	types.StatusOffline: {
		types.TargetConfigured:   ActionNone,
		types.TargetDeconfigured: ActionConfigOff,
		types.TargetEnabled:      ActionEnable,
		types.TargetDisabled:     ActionNone,
	},
}

// PlanState decides the state action for an observed status and a target.
func PlanState(current types.AdapterStatus, target types.TargetStatus) (Action, error) {
	row, ok := stateTable[current]
	if !ok {
		return ActionNone, &Error{Kind: KindUnknownState, Msg: fmt.Sprintf("unknown crypto adapter state %q", current)}
	}
	action, ok := row[target]
	if !ok {
		return ActionNone, &Error{
			Kind: KindInvalidTransition,
			Msg:  fmt.Sprintf("wrong crypto adapter state %q for target %q", current, target),
		}
	}
	return action, nil
}

// PlanDriver decides the driver action for an observed driver string and a
// target driver.
func PlanDriver(driver string, target types.TargetDriver) (Action, error) {
	switch types.ClassifyDriver(driver) {
	case types.DriverCex:
		if target == types.DriverZcrypt {
			return ActionNone, nil
		}
		return ActionMaskOut, nil
	case types.DriverNone:
		if target == types.DriverZcrypt {
			return ActionMaskIn, nil
		}
		return ActionNone, nil
	default:
		return ActionNone, &Error{Kind: KindUnknownDriver, Msg: fmt.Sprintf("unknown crypto adapter driver %q", driver)}
	}
}

// Executor observes and changes adapters. *Host is the production one.
type Executor interface {
	types.AdapterLister
	ChangeState(ctx context.Context, adapter string, target types.TargetStatus) error
	ChangeDriver(ctx context.Context, id types.AdapterID, op zcrypt.MaskOp) error
}

// Host executes changes on the local machine: chzcrypt through a
// zcrypt.Client and AP mask writes through sysfs.
type Host struct {
	*zcrypt.Client
}

// NewHost wraps a zcrypt client.
func NewHost(c *zcrypt.Client) *Host {
	return &Host{Client: c}
}

// ChangeDriver updates the AP masks for id.
func (h *Host) ChangeDriver(_ context.Context, id types.AdapterID, op zcrypt.MaskOp) error {
	return zcrypt.ChangeDriver(id, op)
}

// Result describes one run.
type Result struct {
	Adapter string `json:"adapter"`
	Changed bool   `json:"changed"`
	// Actions lists the applied (or, in check mode, planned) changes.
	Actions []Action `json:"actions"`
	// Before is the adapter as first observed.
	Before types.AdapterRecord `json:"before"`
	DryRun bool                `json:"dry_run,omitempty"`
}

// Reconciler runs the state and driver steps against an Executor.
type Reconciler struct {
	exec   Executor
	dryRun bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDryRun makes the reconciler plan without executing anything.
func WithDryRun(dryRun bool) Option {
	return func(r *Reconciler) { r.dryRun = dryRun }
}

// New returns a Reconciler.
func New(exec Executor, opts ...Option) *Reconciler {
	r := &Reconciler{exec: exec}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile converges adapter (fully qualified <card>.<domain>) towards
// desired. Changed is true if either step changed something.
func (r *Reconciler) Reconcile(ctx context.Context, adapter string, desired types.DesiredState) (*Result, error) {
	id, err := types.ParseQualifiedAdapterID(adapter)
	if err != nil {
		return nil, &Error{Kind: KindInvalidAdapter, Err: err}
	}
	adapter = id.String()
	if desired.Status == "" {
		desired.Status = types.DefaultTargetStatus
	}
	if desired.Driver == "" {
		desired.Driver = types.DefaultTargetDriver
	}

	logger := log.WithFields(log.Fields{
		"adapter": adapter,
		"state":   desired.Status,
		"driver":  desired.Driver,
	})

	rec, err := r.observe(ctx, adapter)
	if err != nil {
		return nil, err
	}
	res := &Result{Adapter: adapter, Before: rec, Actions: []Action{}, DryRun: r.dryRun}

	// state step
	stateAction, err := PlanState(rec.Status, desired.Status)
	if err != nil {
		return nil, withAdapter(err, adapter)
	}
	if stateAction != ActionNone {
		logger.Infof("crypto adapter is %s, applying %s", rec.Status, stateAction)
		if !r.dryRun {
			target := actionTargets[stateAction]
			if err := r.exec.ChangeState(ctx, adapter, target); err != nil {
				return nil, &Error{
					Kind:    KindCommandFailed,
					Msg:     fmt.Sprintf("unable to change state of crypto adapter to %s", target),
					Adapter: adapter,
					Err:     err,
				}
			}
			if rec, err = r.observe(ctx, adapter); err != nil {
				return nil, err
			}
		}
		res.Actions = append(res.Actions, stateAction)
		res.Changed = true
	} else {
		logger.Debugf("crypto adapter state %s already satisfies target", rec.Status)
	}

	// driver step
	driverAction, err := PlanDriver(rec.Driver, desired.Driver)
	if err != nil {
		return nil, withAdapter(err, adapter)
	}
	if driverAction != ActionNone {
		logger.Infof("crypto adapter driver is %s, applying %s", rec.Driver, driverAction)
		if !r.dryRun {
			op := zcrypt.MaskOut
			if driverAction == ActionMaskIn {
				op = zcrypt.MaskIn
			}
			if err := r.exec.ChangeDriver(ctx, id, op); err != nil {
				return nil, &Error{
					Kind:    KindCommandFailed,
					Msg:     fmt.Sprintf("unable to change driver of crypto adapter to %s", desired.Driver),
					Adapter: adapter,
					Err:     err,
				}
			}
		}
		res.Actions = append(res.Actions, driverAction)
		res.Changed = true
	} else {
		logger.Debugf("crypto adapter driver %s already satisfies target", rec.Driver)
	}

	return res, nil
}

// observe queries the adapter and classifies query failures.
func (r *Reconciler) observe(ctx context.Context, adapter string) (types.AdapterRecord, error) {
	rec, err := zcrypt.QueryAdapter(ctx, r.exec, adapter)
	switch {
	case errors.Is(err, zcrypt.ErrNotFound):
		return rec, &Error{Kind: KindNotFound, Msg: "unable to determine crypto adapter info", Adapter: adapter}
	case err != nil:
		return rec, &Error{Kind: KindQueryFailed, Msg: "unable to determine crypto adapter info", Adapter: adapter, Err: err}
	}
	return rec, nil
}

func withAdapter(err error, adapter string) error {
	var e *Error
	if errors.As(err, &e) && e.Adapter == "" {
		e.Adapter = adapter
	}
	return err
}
