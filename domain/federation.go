package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount is a cached copy of a federated actor document.
type RemoteAccount struct {
	Id               uuid.UUID
	Username         string
	Domain           string
	ActorURI         string
	DisplayName      string
	Summary          string
	InboxURI         string
	SharedInboxURI   string
	OutboxURI        string
	PublicKeyPem     string
	AvatarURL        string
	DeliveryFailures int
	LastFetchedAt    time.Time
}

// Follow represents a follow relationship. AccountId is the follower,
// TargetAccountId the account being followed; either side may be local
// or remote.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // ActivityPub Follow activity URI
	Accepted        bool
	CreatedAt       time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool // true if originated from this server
	CreatedAt    time.Time
}

// Delivery job states.
const (
	JobQueued     = "queued"
	JobDelivering = "delivering"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobExhausted  = "exhausted"
	JobCancelled  = "cancelled"
)

// DeliveryJob is one outstanding attempt-tracked unit of work: deliver one
// activity to one inbox. Attempts only ever grows and is bounded by the
// configured maximum.
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityURI   string
	InboxURI      string
	ActivityJSON  string
	Attempts      int
	NextAttemptAt time.Time
	State         string
	LastError     string
	CreatedAt     time.Time
}

// Delivery outcome results.
const (
	OutcomeSucceeded = "succeeded"
	OutcomePermanent = "permanent_failure"
	OutcomeExhausted = "exhausted"
)

// DeliveryOutcome is the terminal result of a job, kept for audit.
type DeliveryOutcome struct {
	Id          uuid.UUID
	JobId       uuid.UUID
	ActivityURI string
	InboxURI    string
	Result      string
	StatusCode  int
	Detail      string
	CreatedAt   time.Time
}
