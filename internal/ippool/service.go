package ippool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mikrovm/internal/httpx"
	"mikrovm/internal/model"
)

// Service manages address pools and VM address allocations.
type Service struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewService creates an allocator backed by the given database.
func NewService(db *gorm.DB, logger *logrus.Entry) *Service {
	return &Service{
		db:     db,
		logger: logger.WithField("component", "ippool"),
	}
}

// CreatePool creates a new address pool. The assignable range is derived once
// here; pools are immutable afterwards.
func (s *Service) CreatePool(ctx context.Context, name, cidr, gateway, description string) (*model.IPPool, error) {
	start, end, err := deriveRange(cidr, gateway)
	if err != nil {
		return nil, httpx.ErrParamInvalid(err.Error())
	}

	pool := &model.IPPool{
		Name:        name,
		CIDR:        cidr,
		Gateway:     gateway,
		RangeStart:  start,
		RangeEnd:    end,
		Active:      true,
		Description: description,
	}

	if err := s.db.WithContext(ctx).Create(pool).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, httpx.ErrAlreadyExists(fmt.Sprintf("pool '%s' already exists", name))
		}
		return nil, httpx.ErrDatabaseError("failed to create pool", err)
	}

	s.logger.WithFields(logrus.Fields{
		"pool":        name,
		"cidr":        cidr,
		"range_start": start,
		"range_end":   end,
	}).Info("Address pool created")

	return pool, nil
}

// EnsurePool creates the pool if it does not exist yet. Used at startup to
// bootstrap the default pool from configuration; an existing pool is left
// untouched even when the CIDR differs, since pools are immutable.
func (s *Service) EnsurePool(ctx context.Context, name, cidr, gateway string) error {
	var existing model.IPPool
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return httpx.ErrDatabaseError("failed to query pool", err)
	}

	_, err = s.CreatePool(ctx, name, cidr, gateway, "bootstrapped from configuration")
	if err != nil {
		var appErr *httpx.AppError
		// Lost a create race with another instance; the pool exists now.
		if errors.As(err, &appErr) && appErr.Code == httpx.CodeAlreadyExists {
			return nil
		}
		return err
	}
	return nil
}

// Allocate returns an address from the named pool for the given VM.
//
// Idempotent: a VM that already holds an active allocation gets the same
// address back without a new row. Otherwise the pool row is locked FOR
// UPDATE for the whole read-scan-insert sequence, so concurrent allocations
// against one pool are totally ordered; the lowest free address wins. The
// scan is O(range size), which is fine for pools in the hundreds of
// addresses.
func (s *Service) Allocate(ctx context.Context, poolName, vmExternalID string) (*model.IPAllocation, error) {
	// Fast path: existing active allocation, no locking needed.
	existing, err := s.GetAllocation(ctx, vmExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.WithFields(logrus.Fields{
			"vm":      vmExternalID,
			"address": existing.Address,
		}).Info("VM already has an active allocation")
		return existing, nil
	}

	var out *model.IPAllocation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool model.IPPool
		q := tx.Where("name = ? AND active = ?", poolName, true)
		// SQLite has no FOR UPDATE; its single-writer lock serializes
		// transactions on its own, so the clause is only applied on MySQL.
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&pool).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return httpx.ErrNotFound(fmt.Sprintf("pool '%s' not found or not active", poolName))
			}
			return httpx.ErrDatabaseError("failed to lock pool", err)
		}

		// Re-check under the lock: a concurrent call for the same VM may
		// have allocated between the fast path and here.
		var dup model.IPAllocation
		err := tx.Where("vm_external_id = ? AND active = ?", vmExternalID, true).First(&dup).Error
		if err == nil {
			out = &dup
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.ErrDatabaseError("failed to query allocation", err)
		}

		var allocated []string
		if err := tx.Model(&model.IPAllocation{}).
			Where("pool_id = ? AND active = ?", pool.ID, true).
			Pluck("address", &allocated).Error; err != nil {
			return httpx.ErrDatabaseError("failed to load active allocations", err)
		}

		taken := make(map[string]struct{}, len(allocated))
		for _, a := range allocated {
			taken[a] = struct{}{}
		}

		startAddr, _ := netip.ParseAddr(pool.RangeStart)
		endAddr, _ := netip.ParseAddr(pool.RangeEnd)
		startInt := addrToUint32(startAddr)
		endInt := addrToUint32(endAddr)

		var address string
		for v := startInt; v <= endInt; v++ {
			candidate := uint32ToAddr(v).String()
			if candidate == pool.Gateway {
				continue
			}
			if _, ok := taken[candidate]; !ok {
				address = candidate
				break
			}
		}
		if address == "" {
			total := rangeCapacity(startInt, endInt, pool.Gateway)
			return httpx.ErrPoolExhausted(fmt.Sprintf(
				"no available addresses in pool '%s' (%d/%d allocated)",
				poolName, len(allocated), total))
		}

		active := true
		alloc := &model.IPAllocation{
			PoolID:       pool.ID,
			VMExternalID: vmExternalID,
			Address:      address,
			Active:       &active,
			AllocatedAt:  time.Now().UTC(),
		}
		if err := tx.Create(alloc).Error; err != nil {
			return httpx.ErrDatabaseError("failed to create allocation", err)
		}

		out = alloc
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.logger.WithFields(logrus.Fields{
		"vm":      vmExternalID,
		"pool":    poolName,
		"address": out.Address,
	}).Info("Address allocated")

	return out, nil
}

// Release flips the VM's active allocation inactive and stamps the release
// time. Returns false when no active allocation existed; calling it
// redundantly is always safe.
func (s *Service) Release(ctx context.Context, vmExternalID string) (bool, error) {
	var alloc model.IPAllocation
	err := s.db.WithContext(ctx).
		Where("vm_external_id = ? AND active = ?", vmExternalID, true).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithField("vm", vmExternalID).Warn("No active allocation to release")
			return false, nil
		}
		return false, httpx.ErrDatabaseError("failed to query allocation", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&alloc).Updates(map[string]interface{}{
		"active":      nil,
		"released_at": now,
	}).Error; err != nil {
		return false, httpx.ErrDatabaseError("failed to release allocation", err)
	}

	s.logger.WithFields(logrus.Fields{
		"vm":      vmExternalID,
		"address": alloc.Address,
	}).Info("Address released")

	return true, nil
}

// GetAllocation returns the VM's active allocation, or nil when it has none.
func (s *Service) GetAllocation(ctx context.Context, vmExternalID string) (*model.IPAllocation, error) {
	var alloc model.IPAllocation
	err := s.db.WithContext(ctx).
		Preload("Pool").
		Where("vm_external_id = ? AND active = ?", vmExternalID, true).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, httpx.ErrDatabaseError("failed to query allocation", err)
	}
	return &alloc, nil
}

// PoolStats summarizes the utilization of a pool.
type PoolStats struct {
	PoolName    string  `json:"pool_name"`
	CIDR        string  `json:"cidr"`
	Gateway     string  `json:"gateway"`
	RangeStart  string  `json:"range_start"`
	RangeEnd    string  `json:"range_end"`
	Total       int     `json:"total"`
	Allocated   int     `json:"allocated"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization_percent"`
}

// Stats returns utilization numbers for a pool. Read-only; relies on the
// database's normal read consistency, no locking.
func (s *Service) Stats(ctx context.Context, poolName string) (*PoolStats, error) {
	var pool model.IPPool
	err := s.db.WithContext(ctx).Where("name = ?", poolName).First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrNotFound(fmt.Sprintf("pool '%s' not found", poolName))
		}
		return nil, httpx.ErrDatabaseError("failed to query pool", err)
	}

	startAddr, _ := netip.ParseAddr(pool.RangeStart)
	endAddr, _ := netip.ParseAddr(pool.RangeEnd)
	total := rangeCapacity(addrToUint32(startAddr), addrToUint32(endAddr), pool.Gateway)

	var allocated int64
	if err := s.db.WithContext(ctx).Model(&model.IPAllocation{}).
		Where("pool_id = ? AND active = ?", pool.ID, true).
		Count(&allocated).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to count allocations", err)
	}

	utilization := 0.0
	if total > 0 {
		utilization = math.Round(float64(allocated)/float64(total)*100*100) / 100
	}

	return &PoolStats{
		PoolName:    pool.Name,
		CIDR:        pool.CIDR,
		Gateway:     pool.Gateway,
		RangeStart:  pool.RangeStart,
		RangeEnd:    pool.RangeEnd,
		Total:       total,
		Allocated:   int(allocated),
		Available:   total - int(allocated),
		Utilization: utilization,
	}, nil
}
