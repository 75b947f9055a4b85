package activitypub

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/db"
	"github.com/pressfed/pressfed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRemote(t *testing.T, store *db.DB, username string) *domain.RemoteAccount {
	t.Helper()
	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/" + username,
		InboxURI:      "https://remote.example/users/" + username + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	require.NoError(t, store.UpsertRemoteAccount(acc))
	return acc
}

func TestAddFollowerIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry(store)

	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)
	remote := seedRemote(t, store, "bob")

	first, err := registry.AddFollower(local, remote, "https://remote.example/follows/1")
	require.NoError(t, err)
	assert.True(t, first.Accepted, "incoming follows are accepted immediately")

	second, err := registry.AddFollower(local, remote, "https://remote.example/follows/2")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, first.URI, second.URI, "re-follow keeps the original follow URI")

	n, err := registry.CountFollowers(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveFollowerIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry(store)

	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)
	remote := seedRemote(t, store, "bob")

	_, err = registry.AddFollower(local, remote, "https://remote.example/follows/1")
	require.NoError(t, err)

	require.NoError(t, registry.RemoveFollower(local.Id, remote.Id))
	require.NoError(t, registry.RemoveFollower(local.Id, remote.Id), "removing an absent relation is a no-op")

	n, err := registry.CountFollowers(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFollowingLifecycle(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry(store)

	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)
	remote := seedRemote(t, store, "bob")

	followURI := "https://local.example/activities/f1"
	follow, err := registry.AddFollowing(local, remote, followURI)
	require.NoError(t, err)
	assert.False(t, follow.Accepted, "outbound follows start pending")

	n, err := registry.CountFollowing(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "pending follows do not count")

	// The listing agrees with the count: pending relations are invisible.
	rels, err := registry.Following(local.Id, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rels)

	require.NoError(t, registry.PromoteFollowing(followURI))
	n, err = registry.CountFollowing(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rels, err = registry.Following(local.Id, 10, 0)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, followURI, rels[0].URI)

	uris, err := registry.FollowingURIs(local.Id, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{remote.ActorURI}, uris)

	require.NoError(t, registry.RemoveFollowingByURI(followURI))
	n, err = registry.CountFollowing(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFollowByPairNotFound(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry(store)

	_, err := registry.FollowByPair(uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrRelationNotFound)

	_, err = registry.FollowByURI("https://remote.example/follows/none")
	assert.ErrorIs(t, err, ErrRelationNotFound)
}

func TestPurgeRemoteDropsBothDirections(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry(store)

	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)
	remote := seedRemote(t, store, "bob")

	_, err = registry.AddFollower(local, remote, "https://remote.example/follows/1")
	require.NoError(t, err)
	_, err = registry.AddFollowing(local, remote, "https://local.example/activities/f1")
	require.NoError(t, err)
	require.NoError(t, registry.PromoteFollowing("https://local.example/activities/f1"))

	require.NoError(t, registry.PurgeRemote(remote.Id))

	followers, err := registry.CountFollowers(local.Id)
	require.NoError(t, err)
	following, err2 := registry.CountFollowing(local.Id)
	require.NoError(t, err2)
	assert.Equal(t, 0, followers)
	assert.Equal(t, 0, following)
}
