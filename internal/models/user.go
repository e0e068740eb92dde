package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles
const (
	RoleSupplier = "supplier"
	RoleInvestor = "investor"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	AccountID    string    `json:"account_id"`  // ledger account, shard.realm.num
	PublicKey    string    `json:"public_key"`  // ed25519, hex
	CreatedAt    time.Time `json:"created_at"`
}
