package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PasskeyCredential is one registered authenticator. Rows are created only by
// a completed registration ceremony and mutated only by a completed
// authentication ceremony or an explicit owner/admin disable/delete.
type PasskeyCredential struct {
	BaseModel
	UserID        uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	CredentialID  []byte     `json:"-" gorm:"type:bytea;not null;uniqueIndex"`
	PublicKey     []byte     `json:"-" gorm:"type:bytea;not null"`
	AAGUID        string     `json:"aaguid" gorm:"type:varchar(36)"`
	SignCount     uint32     `json:"signCount" gorm:"not null;default:0"`
	Transports    string     `json:"transports,omitempty" gorm:"type:text"`
	IsActive      bool       `json:"isActive" gorm:"not null;default:true"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastUserAgent string     `json:"lastUserAgent,omitempty" gorm:"type:text"`
	User          User       `json:"-" gorm:"foreignKey:UserID"`
}

func (PasskeyCredential) TableName() string {
	return "passkey_credentials"
}

// TransportList splits the comma-separated transports column.
func (c *PasskeyCredential) TransportList() []string {
	if c.Transports == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(c.Transports, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
