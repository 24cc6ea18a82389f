package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mikrovm/internal/httpx"
	"mikrovm/internal/model"
)

// ChannelVMEvents is the broadcast channel for VM status changes.
const ChannelVMEvents = "vm.events"

// Notifier publishes VM events: a journal row for catch-up reads, then a
// fire-and-forget Redis broadcast. Publishing never fails the caller; every
// transport failure is logged and swallowed, because a notification failure
// must never fail a lifecycle operation.
type Notifier struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *logrus.Entry
}

// NewNotifier creates an event notifier.
func NewNotifier(db *gorm.DB, rdb *redis.Client, logger *logrus.Entry) *Notifier {
	return &Notifier{
		db:     db,
		rdb:    rdb,
		logger: logger.WithField("component", "events"),
	}
}

// PublishVMEvent records and broadcasts one VM event.
func (n *Notifier) PublishVMEvent(ctx context.Context, vmExternalID, eventType string, payload map[string]interface{}) {
	logger := n.logger.WithFields(logrus.Fields{
		"vm":    vmExternalID,
		"event": eventType,
	})

	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("Failed to marshal event payload: %v", err)
		return
	}

	event := model.VMEvent{
		VMExternalID: vmExternalID,
		EventType:    eventType,
		Payload:      raw,
	}
	if err := n.db.WithContext(ctx).Create(&event).Error; err != nil {
		logger.Errorf("Failed to journal event: %v", err)
		// Broadcast anyway; the journal is best-effort too.
	}

	message := map[string]interface{}{
		"event":     eventType,
		"vm_id":     vmExternalID,
		"event_id":  event.ID,
		"timestamp": time.Now().UTC().Unix(),
		"data":      payload,
	}
	body, err := json.Marshal(message)
	if err != nil {
		logger.Errorf("Failed to marshal broadcast message: %v", err)
		return
	}

	if n.rdb == nil {
		return
	}
	subscribers, err := n.rdb.Publish(ctx, ChannelVMEvents, body).Result()
	if err != nil {
		logger.Errorf("Failed to broadcast event: %v", err)
		return
	}

	logger.WithField("subscribers", subscribers).Debug("Event published")
}

// EventsSince returns journal rows with id greater than afterID, oldest
// first, capped at limit. Observers use it to catch up after missing live
// broadcasts.
func (n *Notifier) EventsSince(ctx context.Context, afterID int64, limit int) ([]model.VMEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []model.VMEvent
	err := n.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to query events", err)
	}
	return out, nil
}
