package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a local actor owned by this server.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

// Post is a locally authored piece of content. Once a Create activity for
// it has been dispatched, edits produce a new Update activity instead of
// rewriting the original one.
type Post struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	CreatedBy string
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
}
