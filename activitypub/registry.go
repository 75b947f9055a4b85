package activitypub

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

// ErrRelationNotFound is returned when a follow relation does not exist.
var ErrRelationNotFound = errors.New("follow relation not found")

// FollowStore persists follow relations in both directions.
type FollowStore interface {
	UpsertFollow(follow *domain.Follow) (*domain.Follow, error)
	FollowByPair(accountId, targetId uuid.UUID) (*domain.Follow, error)
	FollowByURI(uri string) (*domain.Follow, error)
	DeleteFollowByPair(accountId, targetId uuid.UUID) error
	DeleteFollowByURI(uri string) error
	AcceptFollowByURI(uri string) error
	Followers(targetId uuid.UUID, limit, offset int) ([]domain.Follow, error)
	CountFollowers(targetId uuid.UUID) (int, error)
	Following(accountId uuid.UUID, limit, offset int) ([]domain.Follow, error)
	CountFollowing(accountId uuid.UUID) (int, error)
	FollowerAccounts(targetId uuid.UUID) ([]domain.RemoteAccount, error)
	FollowerURIs(targetId uuid.UUID, limit, offset int) ([]string, error)
	FollowingURIs(accountId uuid.UUID, limit, offset int) ([]string, error)
	DeleteFollowsByRemoteAccount(id uuid.UUID) error
}

// Registry tracks who follows a local account and whom a local account
// follows. All mutations are idempotent: re-adding an existing relation
// or removing an absent one never errors.
type Registry struct {
	follows FollowStore
}

func NewRegistry(follows FollowStore) *Registry {
	return &Registry{follows: follows}
}

// AddFollower records a remote actor following a local account. Incoming
// follows are accepted immediately; the Accept activity goes out on the
// delivery queue.
func (r *Registry) AddFollower(local *domain.Account, remote *domain.RemoteAccount, followURI string) (*domain.Follow, error) {
	return r.follows.UpsertFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: local.Id,
		URI:             followURI,
		Accepted:        true,
		CreatedAt:       time.Now(),
	})
}

// RemoveFollower drops the relation if present.
func (r *Registry) RemoveFollower(localId, remoteId uuid.UUID) error {
	return r.follows.DeleteFollowByPair(remoteId, localId)
}

// RemoveFollowerByURI drops a relation by its Follow activity URI, the
// form an Undo(Follow) references.
func (r *Registry) RemoveFollowerByURI(followURI string) error {
	return r.follows.DeleteFollowByURI(followURI)
}

func (r *Registry) Followers(localId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return r.follows.Followers(localId, limit, offset)
}

func (r *Registry) CountFollowers(localId uuid.UUID) (int, error) {
	return r.follows.CountFollowers(localId)
}

// FollowerAccounts returns follower actor records with inbox endpoints,
// for fan-out.
func (r *Registry) FollowerAccounts(localId uuid.UUID) ([]domain.RemoteAccount, error) {
	return r.follows.FollowerAccounts(localId)
}

func (r *Registry) FollowerURIs(localId uuid.UUID, limit, offset int) ([]string, error) {
	return r.follows.FollowerURIs(localId, limit, offset)
}

// AddFollowing records a local account following a remote actor. The
// relation starts pending and is promoted when the remote Accept
// arrives.
func (r *Registry) AddFollowing(local *domain.Account, remote *domain.RemoteAccount, followURI string) (*domain.Follow, error) {
	return r.follows.UpsertFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       local.Id,
		TargetAccountId: remote.Id,
		URI:             followURI,
		Accepted:        false,
		CreatedAt:       time.Now(),
	})
}

// PromoteFollowing marks a pending outbound follow accepted.
func (r *Registry) PromoteFollowing(followURI string) error {
	return r.follows.AcceptFollowByURI(followURI)
}

// RemoveFollowing drops an outbound follow relation.
func (r *Registry) RemoveFollowing(localId, remoteId uuid.UUID) error {
	return r.follows.DeleteFollowByPair(localId, remoteId)
}

func (r *Registry) RemoveFollowingByURI(followURI string) error {
	return r.follows.DeleteFollowByURI(followURI)
}

func (r *Registry) Following(localId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return r.follows.Following(localId, limit, offset)
}

func (r *Registry) CountFollowing(localId uuid.UUID) (int, error) {
	return r.follows.CountFollowing(localId)
}

func (r *Registry) FollowingURIs(localId uuid.UUID, limit, offset int) ([]string, error) {
	return r.follows.FollowingURIs(localId, limit, offset)
}

// FollowByPair looks up a relation, mapping a missing row to
// ErrRelationNotFound.
func (r *Registry) FollowByPair(accountId, targetId uuid.UUID) (*domain.Follow, error) {
	follow, err := r.follows.FollowByPair(accountId, targetId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelationNotFound
	}
	return follow, err
}

func (r *Registry) FollowByURI(uri string) (*domain.Follow, error) {
	follow, err := r.follows.FollowByURI(uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelationNotFound
	}
	return follow, err
}

// PurgeRemote removes every relation involving a remote account, in
// either direction. Used when an actor is deleted or becomes
// persistently unreachable.
func (r *Registry) PurgeRemote(remoteId uuid.UUID) error {
	return r.follows.DeleteFollowsByRemoteAccount(remoteId)
}
