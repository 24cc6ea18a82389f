package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"gorm.io/gorm"

	"mikrovm/internal/httpx"
	"mikrovm/internal/model"
	"mikrovm/internal/testutil"
)

type queuedJob struct {
	Name string
	Args workflowArgs
}

// fakeQueue records enqueued jobs without touching Redis.
type fakeQueue struct {
	mu      sync.Mutex
	jobs    []queuedJob
	failAll bool
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, args interface{}) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAll {
		return "", errors.New("redis connection refused")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var wa workflowArgs
	if err := json.Unmarshal(raw, &wa); err != nil {
		return "", err
	}
	q.jobs = append(q.jobs, queuedJob{Name: name, Args: wa})
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *fakeQueue) last(t *testing.T) queuedJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		t.Fatal("no jobs enqueued")
	}
	return q.jobs[len(q.jobs)-1]
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newTestService(t *testing.T) (*Service, *fakeQueue, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	q := &fakeQueue{}
	return NewService(db, q, "default", testutil.NewLogger()), q, db
}

func newUser(t *testing.T, db *gorm.DB, username, role string) *model.User {
	t.Helper()
	u := &model.User{Username: username, PasswordHash: "x", Role: role}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func seedVM(t *testing.T, db *gorm.DB, owner *model.User, status model.VMStatus, address *string) *model.VM {
	t.Helper()
	v := &model.VM{
		ExternalID: generateExternalID(),
		Name:       "seed",
		VCPUCount:  2,
		MemoryMB:   512,
		Status:     status,
		Address:    address,
		OwnerID:    owner.ID,
	}
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("failed to seed VM: %v", err)
	}
	return v
}

func strptr(s string) *string { return &s }

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	var appErr *httpx.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T: %v", err, err)
	}
	if appErr.Code != code {
		t.Errorf("code = %d, want %d", appErr.Code, code)
	}
}

func TestGenerateExternalID(t *testing.T) {
	format := regexp.MustCompile(`^srv-[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateExternalID()
		if !format.MatchString(id) {
			t.Fatalf("bad external ID format: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate external ID: %s", id)
		}
		seen[id] = true
	}
}

func TestCreate(t *testing.T) {
	svc, q, db := newTestService(t)
	ctx := context.Background()
	owner := newUser(t, db, "alice", "user")

	t.Run("happy path", func(t *testing.T) {
		created, err := svc.Create(ctx, owner, CreateParams{
			Name: "web-1", VCPUCount: 2, MemoryMB: 512,
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if created.Status != model.VMStatusPending {
			t.Errorf("status = %s, want pending", created.Status)
		}
		job := q.last(t)
		if job.Name != WorkflowCreate {
			t.Errorf("workflow = %s, want %s", job.Name, WorkflowCreate)
		}
		if job.Args.VMID != created.ID {
			t.Errorf("job VMID = %d, want %d", job.Args.VMID, created.ID)
		}
		if job.Args.Pool != "default" {
			t.Errorf("job pool = %s, want default", job.Args.Pool)
		}
	})

	t.Run("explicit pool", func(t *testing.T) {
		_, err := svc.Create(ctx, owner, CreateParams{
			Name: "web-2", VCPUCount: 1, MemoryMB: 128, Pool: "dmz",
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if job := q.last(t); job.Args.Pool != "dmz" {
			t.Errorf("job pool = %s, want dmz", job.Args.Pool)
		}
	})

	t.Run("validation", func(t *testing.T) {
		before := q.count()
		cases := []CreateParams{
			{Name: "", VCPUCount: 2, MemoryMB: 512},
			{Name: "x", VCPUCount: 0, MemoryMB: 512},
			{Name: "x", VCPUCount: 33, MemoryMB: 512},
			{Name: "x", VCPUCount: 2, MemoryMB: 64},
			{Name: "x", VCPUCount: 2, MemoryMB: 40000},
		}
		for i, p := range cases {
			if _, err := svc.Create(ctx, owner, p); err == nil {
				t.Errorf("case %d: expected validation error", i)
			}
		}
		if q.count() != before {
			t.Error("invalid requests must not enqueue anything")
		}
	})

	t.Run("enqueue failure parks VM in error", func(t *testing.T) {
		q.failAll = true
		defer func() { q.failAll = false }()

		_, err := svc.Create(ctx, owner, CreateParams{Name: "doomed", VCPUCount: 1, MemoryMB: 256})
		wantCode(t, err, httpx.CodeInternalError)

		var parked model.VM
		if err := db.Where("name = ?", "doomed").First(&parked).Error; err != nil {
			t.Fatalf("VM row missing: %v", err)
		}
		if parked.Status != model.VMStatusError {
			t.Errorf("status = %s, want error", parked.Status)
		}
		if parked.ErrorMessage == nil || *parked.ErrorMessage == "" {
			t.Error("error_message must be set when status is error")
		}
	})
}

func TestStartPreconditions(t *testing.T) {
	svc, q, db := newTestService(t)
	ctx := context.Background()
	owner := newUser(t, db, "alice", "user")

	t.Run("stopped VM with address starts", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusStopped, strptr("10.0.0.5"))
		updated, err := svc.Start(ctx, v.ExternalID, owner)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if updated.Status != model.VMStatusStarting {
			t.Errorf("status = %s, want starting", updated.Status)
		}
		if job := q.last(t); job.Name != WorkflowStart {
			t.Errorf("workflow = %s, want %s", job.Name, WorkflowStart)
		}
	})

	t.Run("errored VM can be retried", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusError, strptr("10.0.0.6"))
		msg := "previous failure"
		db.Model(v).Update("error_message", &msg)

		updated, err := svc.Start(ctx, v.ExternalID, owner)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if updated.ErrorMessage != nil {
			t.Error("error_message must be cleared on leaving error status")
		}

		var reloaded model.VM
		db.First(&reloaded, v.ID)
		if reloaded.ErrorMessage != nil {
			t.Error("persisted error_message must be cleared")
		}
	})

	t.Run("running VM cannot start", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusRunning, strptr("10.0.0.7"))
		_, err := svc.Start(ctx, v.ExternalID, owner)
		wantCode(t, err, httpx.CodeStateConflict)
	})

	t.Run("VM without address cannot start", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusError, nil)
		_, err := svc.Start(ctx, v.ExternalID, owner)
		wantCode(t, err, httpx.CodeValidation)
	})
}

func TestStopRestartPreconditions(t *testing.T) {
	svc, q, db := newTestService(t)
	ctx := context.Background()
	owner := newUser(t, db, "alice", "user")

	t.Run("only running VMs stop", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusRunning, strptr("10.0.0.5"))
		updated, err := svc.Stop(ctx, v.ExternalID, owner)
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if updated.Status != model.VMStatusStopping {
			t.Errorf("status = %s, want stopping", updated.Status)
		}
		if job := q.last(t); job.Name != WorkflowStop {
			t.Errorf("workflow = %s, want %s", job.Name, WorkflowStop)
		}

		stopped := seedVM(t, db, owner, model.VMStatusStopped, strptr("10.0.0.6"))
		_, err = svc.Stop(ctx, stopped.ExternalID, owner)
		wantCode(t, err, httpx.CodeStateConflict)
	})

	t.Run("only running VMs restart", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusRunning, strptr("10.0.0.8"))
		updated, err := svc.Restart(ctx, v.ExternalID, owner)
		if err != nil {
			t.Fatalf("Restart failed: %v", err)
		}
		if updated.Status != model.VMStatusRestarting {
			t.Errorf("status = %s, want restarting", updated.Status)
		}

		stopped := seedVM(t, db, owner, model.VMStatusStopped, strptr("10.0.0.9"))
		_, err = svc.Restart(ctx, stopped.ExternalID, owner)
		wantCode(t, err, httpx.CodeStateConflict)
	})
}

func TestDelete(t *testing.T) {
	svc, q, db := newTestService(t)
	ctx := context.Background()
	owner := newUser(t, db, "alice", "user")

	t.Run("any status but deleting", func(t *testing.T) {
		for _, status := range []model.VMStatus{
			model.VMStatusPending, model.VMStatusRunning, model.VMStatusStopped, model.VMStatusError,
		} {
			v := seedVM(t, db, owner, status, nil)
			updated, err := svc.Delete(ctx, v.ExternalID, owner)
			if err != nil {
				t.Fatalf("Delete from %s failed: %v", status, err)
			}
			if updated.Status != model.VMStatusDeleting {
				t.Errorf("status = %s, want deleting", updated.Status)
			}
		}
	})

	t.Run("delete while deleting is rejected without side effects", func(t *testing.T) {
		v := seedVM(t, db, owner, model.VMStatusDeleting, nil)
		before := q.count()
		_, err := svc.Delete(ctx, v.ExternalID, owner)
		wantCode(t, err, httpx.CodeStateConflict)
		if q.count() != before {
			t.Error("rejected delete must not enqueue a workflow")
		}
	})
}

func TestOwnershipScoping(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	alice := newUser(t, db, "alice", "user")
	bob := newUser(t, db, "bob", "user")
	admin := newUser(t, db, "root", "admin")

	v := seedVM(t, db, alice, model.VMStatusRunning, strptr("10.0.0.5"))

	t.Run("owner sees own VM", func(t *testing.T) {
		got, err := svc.Get(ctx, v.ExternalID, alice)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ID != v.ID {
			t.Errorf("got VM %d, want %d", got.ID, v.ID)
		}
	})

	t.Run("other tenant gets not found, not forbidden", func(t *testing.T) {
		_, err := svc.Get(ctx, v.ExternalID, bob)
		wantCode(t, err, httpx.CodeNotFound)
	})

	t.Run("admin sees everything", func(t *testing.T) {
		if _, err := svc.Get(ctx, v.ExternalID, admin); err != nil {
			t.Fatalf("admin Get failed: %v", err)
		}
	})

	t.Run("list is owner scoped", func(t *testing.T) {
		seedVM(t, db, bob, model.VMStatusRunning, nil)

		items, total, err := svc.List(ctx, alice, 1, 10)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 1 || len(items) != 1 {
			t.Errorf("alice sees %d/%d VMs, want 1/1", len(items), total)
		}

		_, total, err = svc.List(ctx, admin, 1, 10)
		if err != nil {
			t.Fatalf("admin List failed: %v", err)
		}
		if total != 2 {
			t.Errorf("admin sees %d VMs, want 2", total)
		}
	})
}

func TestUpdate(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	owner := newUser(t, db, "alice", "user")
	v := seedVM(t, db, owner, model.VMStatusRunning, nil)

	t.Run("name and description", func(t *testing.T) {
		updated, err := svc.Update(ctx, v.ExternalID, owner, strptr("renamed"), strptr("new desc"))
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.Name != "renamed" || updated.Description != "new desc" {
			t.Errorf("update not applied: %s / %s", updated.Name, updated.Description)
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := svc.Update(ctx, v.ExternalID, owner, strptr(""), nil)
		wantCode(t, err, httpx.CodeParamInvalid)
	})

	t.Run("no fields is a no-op", func(t *testing.T) {
		if _, err := svc.Update(ctx, v.ExternalID, owner, nil, nil); err != nil {
			t.Fatalf("no-op Update failed: %v", err)
		}
	})
}

func TestStateTableClosure(t *testing.T) {
	// Every status must answer all four predicates without needing a default
	// branch elsewhere.
	for _, status := range AllStatuses {
		if !IsValidStatus(status) {
			t.Errorf("%s not recognized by IsValidStatus", status)
		}
	}
	if IsValidStatus("nonsense") {
		t.Error("IsValidStatus accepted an unknown status")
	}

	startable := map[model.VMStatus]bool{model.VMStatusStopped: true, model.VMStatusError: true}
	for _, status := range AllStatuses {
		if canStart(status) != startable[status] {
			t.Errorf("canStart(%s) = %v", status, canStart(status))
		}
		if canStop(status) != (status == model.VMStatusRunning) {
			t.Errorf("canStop(%s) = %v", status, canStop(status))
		}
		if canRestart(status) != (status == model.VMStatusRunning) {
			t.Errorf("canRestart(%s) = %v", status, canRestart(status))
		}
		if canDelete(status) != (status != model.VMStatusDeleting) {
			t.Errorf("canDelete(%s) = %v", status, canDelete(status))
		}
	}
}
