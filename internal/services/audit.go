package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/pkg/logger"
	"gorm.io/gorm"
)

// Audit actions recorded by the passkey flows.
const (
	AuditLoginPassword      = "auth.password_login"
	AuditLoginPasskey       = "auth.passkey_login"
	AuditLoginFailed        = "auth.login_failed"
	AuditPasskeyRegistered  = "passkey.registered"
	AuditPasskeyRegisterErr = "passkey.register_failed"
	AuditPasskeyDisabled    = "passkey.disabled"
	AuditPasskeyDeleted     = "passkey.deleted"
	AuditCloneSuspicion     = "passkey.clone_suspicion"
)

type AuditEntry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
}

// AuditService writes audit rows off the request path through a buffered
// channel. When the queue is full the entry is dropped and logged rather
// than blocking a login.
type AuditService struct {
	DB    *gorm.DB
	queue chan models.AuditLog
	done  chan struct{}
}

func NewAuditService(db *gorm.DB) *AuditService {
	s := &AuditService{
		DB:    db,
		queue: make(chan models.AuditLog, 1000),
		done:  make(chan struct{}),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (s *AuditService) Close() {
	close(s.queue)
	<-s.done
}

func (s *AuditService) processQueue() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

// RecentForUser returns the newest audit rows for one subject, newest first.
func (s *AuditService) RecentForUser(userID uuid.UUID, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.AuditLog
	err := s.DB.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
