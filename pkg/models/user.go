package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a user's subscription level. It selects the admission policy.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierPro
}

// User is read from the account store. Registration and billing live elsewhere.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Tier      Tier      `db:"tier"       json:"tier"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
