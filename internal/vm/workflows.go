package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mikrovm/internal/controlplane"
	"mikrovm/internal/events"
	"mikrovm/internal/httpx"
	"mikrovm/internal/ippool"
	"mikrovm/internal/model"
	"mikrovm/internal/queue"
)

// Restart sub-workflow phases. A restart failure names the phase it died in
// so an errored VM is inspectable without log scraping.
const (
	restartPhaseStopping = "stopping"
	restartPhaseSettling = "settling"
	restartPhaseStarting = "starting"
)

// Workflows holds the asynchronous half of the lifecycle: the multi-step
// handlers executed by the queue runner. Every step is safe to repeat, since
// delivery is at-least-once: allocation is idempotent by construction and
// status writes are plain overwrites. Control-plane calls are not
// deduplicated; a redelivered workflow may re-invoke Start on an
// already-running VM, which the agent is expected to tolerate.
type Workflows struct {
	db          *gorm.DB
	alloc       *ippool.Service
	cp          controlplane.Client
	notifier    *events.Notifier
	settleDelay time.Duration
	logger      *logrus.Entry
}

// NewWorkflows creates the workflow handlers.
func NewWorkflows(db *gorm.DB, alloc *ippool.Service, cp controlplane.Client, notifier *events.Notifier, settleDelay time.Duration, logger *logrus.Entry) *Workflows {
	return &Workflows{
		db:          db,
		alloc:       alloc,
		cp:          cp,
		notifier:    notifier,
		settleDelay: settleDelay,
		logger:      logger.WithField("component", "vm-workflows"),
	}
}

// Register binds all five workflows on the runner.
func (w *Workflows) Register(r *queue.Runner) {
	r.Register(WorkflowCreate, w.handleCreate)
	r.Register(WorkflowStart, w.handleStart)
	r.Register(WorkflowStop, w.handleStop)
	r.Register(WorkflowRestart, w.handleRestart)
	r.Register(WorkflowDelete, w.handleDelete)
}

func (w *Workflows) handleCreate(ctx context.Context, raw json.RawMessage) error {
	args, err := decodeArgs(raw)
	if err != nil {
		return err
	}
	return w.runCreate(ctx, args.VMID, args.Pool)
}

// runCreate is the create workflow: allocate address, persist it with status
// provisioning, boot the VM, finalize running. Any failure parks the VM in
// error, releases the address best-effort and re-raises so the retry policy
// applies.
func (w *Workflows) runCreate(ctx context.Context, vmID int, pool string) error {
	vm, err := w.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm == nil {
		w.logger.WithField("vm_id", vmID).Warn("VM row gone, skipping create workflow")
		return nil
	}

	logger := w.logger.WithField("vm", vm.ExternalID)
	logger.Info("Create workflow started")

	alloc, err := w.alloc.Allocate(ctx, pool, vm.ExternalID)
	if err != nil {
		return w.fail(ctx, vm, err, true)
	}

	if err := w.update(ctx, vm, map[string]interface{}{
		"address": alloc.Address,
		"status":  model.VMStatusProvisioning,
	}); err != nil {
		return w.fail(ctx, vm, err, true)
	}
	logger.WithField("address", alloc.Address).Info("Address persisted, provisioning")

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMCreated, map[string]interface{}{
		"name":    vm.Name,
		"address": alloc.Address,
	})

	result, err := w.cp.Start(ctx, w.startRequest(vm, alloc.Address))
	if err != nil {
		return w.fail(ctx, vm, err, true)
	}

	if err := w.update(ctx, vm, map[string]interface{}{
		"status":        model.VMStatusRunning,
		"host":          result.Host,
		"error_message": nil,
	}); err != nil {
		return w.fail(ctx, vm, err, true)
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
		"status":  string(model.VMStatusRunning),
		"address": alloc.Address,
		"host":    result.Host,
	})

	logger.WithField("host", result.Host).Info("Create workflow completed")
	return nil
}

func (w *Workflows) handleStart(ctx context.Context, raw json.RawMessage) error {
	args, err := decodeArgs(raw)
	if err != nil {
		return err
	}

	vm, err := w.loadVM(ctx, args.VMID)
	if err != nil {
		return err
	}
	if vm == nil {
		w.logger.WithField("vm_id", args.VMID).Warn("VM row gone, skipping start workflow")
		return nil
	}

	// The intent layer already validated this; a redelivered job after a
	// concurrent release still fails fast here.
	if vm.Address == nil {
		return w.fail(ctx, vm, httpx.ErrValidation("VM has no address; it was never fully provisioned"), false)
	}

	return w.startVM(ctx, vm)
}

// startVM boots an already-provisioned VM and finalizes running. Shared by
// the start and restart workflows; the stopped VM keeps its address, so no
// allocation happens here.
func (w *Workflows) startVM(ctx context.Context, vm *model.VM) error {
	result, err := w.cp.Start(ctx, w.startRequest(vm, *vm.Address))
	if err != nil {
		return w.fail(ctx, vm, err, false)
	}

	if err := w.update(ctx, vm, map[string]interface{}{
		"status":        model.VMStatusRunning,
		"host":          result.Host,
		"error_message": nil,
	}); err != nil {
		return w.fail(ctx, vm, err, false)
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
		"status": string(model.VMStatusRunning),
		"host":   result.Host,
	})
	return nil
}

func (w *Workflows) handleStop(ctx context.Context, raw json.RawMessage) error {
	args, err := decodeArgs(raw)
	if err != nil {
		return err
	}

	vm, err := w.loadVM(ctx, args.VMID)
	if err != nil {
		return err
	}
	if vm == nil {
		w.logger.WithField("vm_id", args.VMID).Warn("VM row gone, skipping stop workflow")
		return nil
	}

	if err := w.cp.Stop(ctx, vm.ExternalID, deref(vm.Host)); err != nil {
		return w.fail(ctx, vm, err, false)
	}

	if err := w.update(ctx, vm, map[string]interface{}{
		"status":        model.VMStatusStopped,
		"error_message": nil,
	}); err != nil {
		return w.fail(ctx, vm, err, false)
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
		"status": string(model.VMStatusStopped),
	})
	return nil
}

func (w *Workflows) handleRestart(ctx context.Context, raw json.RawMessage) error {
	args, err := decodeArgs(raw)
	if err != nil {
		return err
	}

	vm, err := w.loadVM(ctx, args.VMID)
	if err != nil {
		return err
	}
	if vm == nil {
		w.logger.WithField("vm_id", args.VMID).Warn("VM row gone, skipping restart workflow")
		return nil
	}

	return w.runRestart(ctx, vm)
}

// runRestart is stop-then-start composed sequentially with a settle delay in
// between. Deliberately non-atomic: when stop succeeds and start fails the
// VM ends in error, not stopped, with the failing phase named in the error
// message.
func (w *Workflows) runRestart(ctx context.Context, vm *model.VM) error {
	logger := w.logger.WithField("vm", vm.ExternalID)

	w.publishRestartPhase(ctx, vm, restartPhaseStopping)
	if err := w.cp.Stop(ctx, vm.ExternalID, deref(vm.Host)); err != nil {
		return w.fail(ctx, vm, restartPhaseError(restartPhaseStopping, err), false)
	}

	w.publishRestartPhase(ctx, vm, restartPhaseSettling)
	logger.WithField("delay", w.settleDelay).Info("Letting control plane settle")
	select {
	case <-time.After(w.settleDelay):
	case <-ctx.Done():
		return w.fail(ctx, vm, restartPhaseError(restartPhaseSettling, ctx.Err()), false)
	}

	w.publishRestartPhase(ctx, vm, restartPhaseStarting)
	if vm.Address == nil {
		return w.fail(ctx, vm, restartPhaseError(restartPhaseStarting, errors.New("VM has no address")), false)
	}
	result, err := w.cp.Start(ctx, w.startRequest(vm, *vm.Address))
	if err != nil {
		return w.fail(ctx, vm, restartPhaseError(restartPhaseStarting, err), false)
	}

	if err := w.update(ctx, vm, map[string]interface{}{
		"status":        model.VMStatusRunning,
		"host":          result.Host,
		"error_message": nil,
	}); err != nil {
		return w.fail(ctx, vm, err, false)
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
		"status": string(model.VMStatusRunning),
		"host":   result.Host,
	})

	logger.Info("Restart workflow completed")
	return nil
}

func restartPhaseError(phase string, cause error) error {
	return fmt.Errorf("restart failed during %s phase: %s", phase, failureDetail(cause))
}

func (w *Workflows) publishRestartPhase(ctx context.Context, vm *model.VM, phase string) {
	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMRestartPhase, map[string]interface{}{
		"phase": phase,
	})
}

// DeleteOutcome records what each best-effort step of the delete workflow
// did. Compensating failures are recorded here, not raised; only the row
// deletion itself is fatal.
type DeleteOutcome struct {
	AlreadyGone bool
	CleanupErr  error
	Released    bool
	ReleaseErr  error
}

func (w *Workflows) handleDelete(ctx context.Context, raw json.RawMessage) error {
	args, err := decodeArgs(raw)
	if err != nil {
		return err
	}
	_, err = w.runDelete(ctx, args.VMID)
	return err
}

// runDelete tears a VM down. Control-plane cleanup and address release are
// best-effort: the invariant being protected is "no VM record referencing a
// vanished resource", not "no cleanup ever fails". The final row deletion is
// the only fatal step.
func (w *Workflows) runDelete(ctx context.Context, vmID int) (*DeleteOutcome, error) {
	vm, err := w.loadVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return &DeleteOutcome{AlreadyGone: true}, nil
	}

	logger := w.logger.WithField("vm", vm.ExternalID)
	logger.Info("Delete workflow started")

	out := &DeleteOutcome{}

	if err := w.cp.Cleanup(ctx, vm.ExternalID, deref(vm.Host)); err != nil {
		out.CleanupErr = err
		logger.Warnf("Control-plane cleanup failed (continuing): %v", err)
	}

	released, err := w.alloc.Release(ctx, vm.ExternalID)
	out.Released = released
	if err != nil {
		out.ReleaseErr = err
		logger.Warnf("Address release failed (continuing): %v", err)
	}

	if err := w.db.WithContext(ctx).Delete(vm).Error; err != nil {
		persistErr := httpx.ErrDatabaseError("failed to delete VM record", err)
		msg := fmt.Sprintf("Deletion failed: %v", err)
		if uerr := w.db.WithContext(ctx).Model(vm).Updates(map[string]interface{}{
			"status":        model.VMStatusError,
			"error_message": msg,
		}).Error; uerr != nil {
			logger.Errorf("Failed to record deletion failure: %v", uerr)
		}
		w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
			"status": string(model.VMStatusError),
			"error":  msg,
		})
		return out, persistErr
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMDeleted, map[string]interface{}{
		"cleanup_failed": out.CleanupErr != nil,
		"release_failed": out.ReleaseErr != nil,
	})

	logger.Info("Delete workflow completed")
	return out, nil
}

// fail is the shared failure path of every workflow: persist status error
// with the failure detail, optionally release the address (log-only on
// failure, never re-raised from this compensating step), emit the event and
// re-raise the cause so the runner's retry policy applies.
func (w *Workflows) fail(ctx context.Context, vm *model.VM, cause error, release bool) error {
	logger := w.logger.WithField("vm", vm.ExternalID)
	msg := failureDetail(cause)
	logger.Errorf("Workflow failed: %s", msg)

	// A soft time limit cancels the workflow context; the cleanup writes
	// below still have to land.
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	updates := map[string]interface{}{
		"status":        model.VMStatusError,
		"error_message": msg,
	}

	if release {
		released, rerr := w.alloc.Release(ctx, vm.ExternalID)
		if rerr != nil {
			logger.Errorf("Address release failed during compensation: %v", rerr)
		} else if released {
			updates["address"] = nil
		}
	}

	if err := w.db.WithContext(ctx).Model(vm).Updates(updates).Error; err != nil {
		logger.Errorf("Failed to persist error status: %v", err)
	}

	w.notifier.PublishVMEvent(ctx, vm.ExternalID, model.EventVMStatusChange, map[string]interface{}{
		"status": string(model.VMStatusError),
		"error":  msg,
	})

	return cause
}

func (w *Workflows) startRequest(vm *model.VM, address string) controlplane.StartRequest {
	return controlplane.StartRequest{
		VMID:      vm.ExternalID,
		VCPUCount: vm.VCPUCount,
		MemoryMB:  vm.MemoryMB,
		Address:   address,
		KernelRef: deref(vm.KernelRef),
		Host:      deref(vm.Host),
	}
}

// loadVM fetches a VM by database id; nil without error when the row is
// gone, which means the workflow has nothing left to do.
func (w *Workflows) loadVM(ctx context.Context, id int) (*model.VM, error) {
	var vm model.VM
	err := w.db.WithContext(ctx).First(&vm, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, httpx.ErrDatabaseError("failed to load VM", err)
	}
	return &vm, nil
}

func (w *Workflows) update(ctx context.Context, vm *model.VM, updates map[string]interface{}) error {
	if err := w.db.WithContext(ctx).Model(vm).Updates(updates).Error; err != nil {
		return httpx.ErrDatabaseError("failed to update VM", err)
	}
	return nil
}

func decodeArgs(raw json.RawMessage) (*workflowArgs, error) {
	var args workflowArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid workflow args: %w", err)
	}
	return &args, nil
}

// failureDetail extracts the user-facing detail from an error. AppError
// messages are already sanitized; anything else is passed through verbatim,
// matching what the control-plane reports.
func failureDetail(err error) string {
	var appErr *httpx.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
