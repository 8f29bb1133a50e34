package models

import (
	"time"

	"github.com/google/uuid"
)

type ChallengePurpose string

const (
	ChallengeRegistration   ChallengePurpose = "registration"
	ChallengeAuthentication ChallengePurpose = "authentication"
)

// PasskeyChallenge is the server-side half of an in-flight ceremony. A row is
// consumed (deleted) exactly once, whether the finish call succeeds or not.
type PasskeyChallenge struct {
	BaseModel
	Value     []byte           `json:"-" gorm:"type:bytea;not null"`
	Purpose   ChallengePurpose `json:"-" gorm:"type:varchar(20);not null"`
	UserID    *uuid.UUID       `json:"-" gorm:"type:uuid;index"`
	UserAgent string           `json:"-" gorm:"type:text"`
	ExpiresAt time.Time        `json:"-" gorm:"not null;index"`
}

func (PasskeyChallenge) TableName() string {
	return "passkey_challenges"
}
