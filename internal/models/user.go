package models

import "crypto/sha256"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Email        string              `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string              `json:"-" gorm:"type:text;not null"`
	DisplayName  string              `json:"displayName" gorm:"type:varchar(255);not null"`
	Role         UserRole            `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	IsActive     bool                `json:"isActive" gorm:"not null;default:true"`
	Credentials  []PasskeyCredential `json:"-" gorm:"foreignKey:UserID"`
}

// WebAuthnHandle derives the opaque user handle sent inside WebAuthn user
// entities. It is a one-way hash of the internal id so the id format never
// leaves the server.
func (u *User) WebAuthnHandle() []byte {
	sum := sha256.Sum256([]byte(u.ID.String()))
	return sum[:]
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
