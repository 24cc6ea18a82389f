package vm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mikrovm/internal/httpx"
	"mikrovm/internal/model"
	"mikrovm/internal/queue"
)

// Workflow names registered on the queue runner.
const (
	WorkflowCreate  = "vm.create"
	WorkflowStart   = "vm.start"
	WorkflowStop    = "vm.stop"
	WorkflowRestart = "vm.restart"
	WorkflowDelete  = "vm.delete"
)

// Resource limits for VM creation.
const (
	MinVCPUCount = 1
	MaxVCPUCount = 32
	MinMemoryMB  = 128
	MaxMemoryMB  = 32768
)

// Service owns the VM status state machine. Each intent performs one
// synchronous transaction (precondition check + status write) and then
// enqueues the asynchronous workflow that does the slow work. Only one
// workflow can be in flight per VM: the precondition checks reject a second
// intent while the first is still driving the VM through an in-flight
// status.
type Service struct {
	db          *gorm.DB
	queue       queue.Enqueuer
	defaultPool string
	logger      *logrus.Entry
}

// NewService creates the lifecycle service.
func NewService(db *gorm.DB, q queue.Enqueuer, defaultPool string, logger *logrus.Entry) *Service {
	return &Service{
		db:          db,
		queue:       q,
		defaultPool: defaultPool,
		logger:      logger.WithField("component", "vm"),
	}
}

// workflowArgs is the queue payload shared by all five workflows.
type workflowArgs struct {
	VMID int    `json:"vmId"`
	Pool string `json:"pool,omitempty"`
}

// CreateParams holds the user-supplied VM definition.
type CreateParams struct {
	Name        string
	Description string
	VCPUCount   int
	MemoryMB    int
	KernelRef   string
	Pool        string
}

// generateExternalID returns a fresh external VM identifier, e.g.
// "srv-a1b2c3d4".
func generateExternalID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "srv-" + hex.EncodeToString(b)
}

// Create records the VM with status pending and queues the create workflow.
func (s *Service) Create(ctx context.Context, owner *model.User, p CreateParams) (*model.VM, error) {
	if p.Name == "" {
		return nil, httpx.ErrParamMissing("name is required")
	}
	if p.VCPUCount < MinVCPUCount || p.VCPUCount > MaxVCPUCount {
		return nil, httpx.ErrParamInvalid(fmt.Sprintf("vcpu_count must be between %d and %d", MinVCPUCount, MaxVCPUCount))
	}
	if p.MemoryMB < MinMemoryMB || p.MemoryMB > MaxMemoryMB {
		return nil, httpx.ErrParamInvalid(fmt.Sprintf("memory_mb must be between %d and %d", MinMemoryMB, MaxMemoryMB))
	}

	vm := &model.VM{
		ExternalID:  generateExternalID(),
		Name:        p.Name,
		Description: p.Description,
		VCPUCount:   p.VCPUCount,
		MemoryMB:    p.MemoryMB,
		Status:      model.VMStatusPending,
		OwnerID:     owner.ID,
	}
	if p.KernelRef != "" {
		vm.KernelRef = &p.KernelRef
	}

	if err := s.db.WithContext(ctx).Create(vm).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to create VM record", err)
	}

	pool := p.Pool
	if pool == "" {
		pool = s.defaultPool
	}

	jobID, err := s.queue.Enqueue(ctx, WorkflowCreate, workflowArgs{VMID: vm.ID, Pool: pool})
	if err != nil {
		s.markQueueFailure(ctx, vm, err)
		return nil, httpx.ErrInternalError("failed to queue VM creation", err)
	}

	s.logger.WithFields(logrus.Fields{
		"vm":   vm.ExternalID,
		"job":  jobID,
		"pool": pool,
	}).Info("VM creation queued")

	return vm, nil
}

// Start transitions a stopped or errored VM to starting and queues the start
// workflow. A VM that never got an address cannot be started.
func (s *Service) Start(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	vm, err := s.getOwned(ctx, externalID, user)
	if err != nil {
		return nil, err
	}

	if !canStart(vm.Status) {
		return nil, httpx.ErrStateConflict(fmt.Sprintf("cannot start VM in status '%s'", vm.Status))
	}
	if vm.Address == nil {
		return nil, httpx.ErrValidation("VM has no address; it was never fully provisioned")
	}

	return s.transitionAndEnqueue(ctx, vm, model.VMStatusStarting, WorkflowStart)
}

// Stop transitions a running VM to stopping and queues the stop workflow.
func (s *Service) Stop(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	vm, err := s.getOwned(ctx, externalID, user)
	if err != nil {
		return nil, err
	}

	if !canStop(vm.Status) {
		return nil, httpx.ErrStateConflict(fmt.Sprintf("cannot stop VM in status '%s'", vm.Status))
	}

	return s.transitionAndEnqueue(ctx, vm, model.VMStatusStopping, WorkflowStop)
}

// Restart transitions a running VM to restarting and queues the composed
// stop-settle-start workflow.
func (s *Service) Restart(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	vm, err := s.getOwned(ctx, externalID, user)
	if err != nil {
		return nil, err
	}

	if !canRestart(vm.Status) {
		return nil, httpx.ErrStateConflict(fmt.Sprintf("cannot restart VM in status '%s'", vm.Status))
	}

	return s.transitionAndEnqueue(ctx, vm, model.VMStatusRestarting, WorkflowRestart)
}

// Delete transitions the VM to deleting and queues the delete workflow. A
// second delete while one is in flight is rejected, not queued.
func (s *Service) Delete(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	vm, err := s.getOwned(ctx, externalID, user)
	if err != nil {
		return nil, err
	}

	if !canDelete(vm.Status) {
		return nil, httpx.ErrStateConflict("VM is already being deleted")
	}

	return s.transitionAndEnqueue(ctx, vm, model.VMStatusDeleting, WorkflowDelete)
}

// transitionAndEnqueue performs the synchronous status write and schedules
// the workflow. Leaving any state clears the error message so it stays
// non-empty only while the status is error.
func (s *Service) transitionAndEnqueue(ctx context.Context, vm *model.VM, status model.VMStatus, workflow string) (*model.VM, error) {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": nil,
	}
	if err := s.db.WithContext(ctx).Model(vm).Updates(updates).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to update VM status", err)
	}
	vm.Status = status
	vm.ErrorMessage = nil

	jobID, err := s.queue.Enqueue(ctx, workflow, workflowArgs{VMID: vm.ID})
	if err != nil {
		s.markQueueFailure(ctx, vm, err)
		return nil, httpx.ErrInternalError("failed to queue workflow", err)
	}

	s.logger.WithFields(logrus.Fields{
		"vm":       vm.ExternalID,
		"workflow": workflow,
		"job":      jobID,
	}).Info("Workflow queued")

	return vm, nil
}

// markQueueFailure parks the VM in error when its workflow could not be
// queued, so it does not sit in an in-flight status forever.
func (s *Service) markQueueFailure(ctx context.Context, vm *model.VM, cause error) {
	msg := fmt.Sprintf("failed to queue workflow: %v", cause)
	if err := s.db.WithContext(ctx).Model(vm).Updates(map[string]interface{}{
		"status":        model.VMStatusError,
		"error_message": msg,
	}).Error; err != nil {
		s.logger.WithField("vm", vm.ExternalID).Errorf("Failed to record queue failure: %v", err)
	}
}

// Get returns the VM if it exists and the user may see it.
func (s *Service) Get(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	return s.getOwned(ctx, externalID, user)
}

// Update changes the VM's name and/or description. Lifecycle fields are not
// user-writable.
func (s *Service) Update(ctx context.Context, externalID string, user *model.User, name, description *string) (*model.VM, error) {
	vm, err := s.getOwned(ctx, externalID, user)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if name != nil {
		if *name == "" {
			return nil, httpx.ErrParamInvalid("name must not be empty")
		}
		updates["name"] = *name
		vm.Name = *name
	}
	if description != nil {
		updates["description"] = *description
		vm.Description = *description
	}
	if len(updates) == 0 {
		return vm, nil
	}

	if err := s.db.WithContext(ctx).Model(vm).Updates(updates).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to update VM", err)
	}
	return vm, nil
}

// List returns the user's VMs newest first, with total count for pagination.
// Superusers see every tenant's VMs.
func (s *Service) List(ctx context.Context, user *model.User, page, pageSize int) ([]model.VM, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	q := s.db.WithContext(ctx).Model(&model.VM{})
	if !user.IsSuperuser() {
		q = q.Where("owner_id = ?", user.ID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to count VMs", err)
	}

	var vms []model.VM
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&vms).Error
	if err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to list VMs", err)
	}

	return vms, total, nil
}

// getOwned loads a VM by external ID, hiding other tenants' VMs behind not
// found rather than forbidden.
func (s *Service) getOwned(ctx context.Context, externalID string, user *model.User) (*model.VM, error) {
	var vm model.VM
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&vm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrNotFound("VM not found")
		}
		return nil, httpx.ErrDatabaseError("failed to query VM", err)
	}

	if vm.OwnerID != user.ID && !user.IsSuperuser() {
		return nil, httpx.ErrNotFound("VM not found")
	}

	return &vm, nil
}
