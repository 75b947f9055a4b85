package activitypub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pressfed/pressfed/db"
	"github.com/pressfed/pressfed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureQueue records enqueued jobs without touching the database.
type captureQueue struct {
	jobs []domain.DeliveryJob
}

func (q *captureQueue) EnqueueJob(job *domain.DeliveryJob) error {
	q.jobs = append(q.jobs, *job)
	return nil
}

func (q *captureQueue) inboxes() []string {
	var out []string
	for _, job := range q.jobs {
		out = append(out, job.InboxURI)
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *captureQueue, *db.DB) {
	t.Helper()
	store := newTestStore(t)
	directory := NewDirectory(store, store, testDomain, time.Hour)
	registry := NewRegistry(store)
	queue := &captureQueue{}
	return NewDispatcher(directory, registry, queue, testDomain), queue, store
}

func seedFollower(t *testing.T, store *db.DB, local *domain.Account, username, sharedInbox string) *domain.RemoteAccount {
	t.Helper()
	remote := seedRemote(t, store, username)
	if sharedInbox != "" {
		remote.SharedInboxURI = sharedInbox
		require.NoError(t, store.UpsertRemoteAccount(remote))
	}
	_, err := NewRegistry(store).AddFollower(local, remote, remote.ActorURI+"/follow")
	require.NoError(t, err)
	return remote
}

func TestDispatchSharedInboxCollapse(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	shared := "https://remote.example/inbox"
	seedFollower(t, store, local, "f1", shared)
	seedFollower(t, store, local, "f2", shared)
	solo := seedFollower(t, store, local, "f3", "")

	activity := NewCreateNote(testDomain, local, &domain.Post{Content: "hi", CreatedAt: time.Now()})
	receipt, err := dispatcher.Dispatch(activity, local)
	require.NoError(t, err)

	// Two followers share one inbox, the third gets its own: two jobs.
	assert.Len(t, receipt.JobIDs, 2)
	assert.ElementsMatch(t, []string{shared, solo.InboxURI}, queue.inboxes())
	assert.Empty(t, receipt.Skipped)
}

func TestDispatchLoneSharedInboxUsesPersonal(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	// Only one recipient advertises this shared inbox.
	follower := seedFollower(t, store, local, "f1", "https://remote.example/inbox")

	activity := NewCreateNote(testDomain, local, &domain.Post{Content: "hi", CreatedAt: time.Now()})
	_, err = dispatcher.Dispatch(activity, local)
	require.NoError(t, err)

	assert.Equal(t, []string{follower.InboxURI}, queue.inboxes())
}

func TestDispatchDeduplicatesRecipients(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	follower := seedFollower(t, store, local, "f1", "")

	// Addressed both directly and through the followers collection.
	activity := NewCreateNote(testDomain, local, &domain.Post{Content: "hi", CreatedAt: time.Now()})
	activity.To = append(activity.To, follower.ActorURI)

	receipt, err := dispatcher.Dispatch(activity, local)
	require.NoError(t, err)
	assert.Len(t, receipt.JobIDs, 1)
	assert.Equal(t, []string{follower.InboxURI}, queue.inboxes())
}

func TestDispatchPublicOnlySelectsNoInbox(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	activity := &Activity{
		Context: activityContext,
		ID:      NewActivityURI(testDomain, "a1"),
		Type:    "Create",
		Actor:   ActorURI(testDomain, "alice"),
		To:      []string{PublicCollection},
	}
	receipt, err := dispatcher.Dispatch(activity, local)
	require.NoError(t, err)
	assert.Empty(t, receipt.JobIDs)
	assert.Empty(t, queue.jobs)
}

func TestDispatchNeverTargetsSender(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	activity := &Activity{
		Context: activityContext,
		ID:      NewActivityURI(testDomain, "a1"),
		Type:    "Create",
		Actor:   ActorURI(testDomain, "alice"),
		To:      []string{ActorURI(testDomain, "alice")},
	}
	receipt, err := dispatcher.Dispatch(activity, local)
	require.NoError(t, err)
	assert.Empty(t, receipt.JobIDs)
	assert.Empty(t, queue.jobs)
}

func TestDispatchSkipsUnresolvableRecipient(t *testing.T) {
	dispatcher, queue, store := newTestDispatcher(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	follower := seedFollower(t, store, local, "f1", "")
	dead := "http://127.0.0.1:1/users/ghost"

	activity := NewCreateNote(testDomain, local, &domain.Post{Content: "hi", CreatedAt: time.Now()})
	activity.To = append(activity.To, dead)

	receipt, err := dispatcher.Dispatch(activity, local)
	require.NoError(t, err, "an unresolvable recipient must not fail the dispatch")
	assert.Equal(t, []string{dead}, receipt.Skipped)
	assert.Equal(t, []string{follower.InboxURI}, queue.inboxes())
}

func TestDeliverTo(t *testing.T) {
	dispatcher, queue, _ := newTestDispatcher(t)

	activity := &Activity{
		Context: activityContext,
		ID:      NewActivityURI(testDomain, "a1"),
		Type:    "Accept",
		Actor:   ActorURI(testDomain, "alice"),
	}
	jobId, err := dispatcher.DeliverTo(activity, "https://remote.example/users/bob/inbox")
	require.NoError(t, err)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, jobId, queue.jobs[0].Id)
	assert.Equal(t, domain.JobQueued, queue.jobs[0].State)
}

func TestActivityJSONShape(t *testing.T) {
	local := &domain.Account{Username: "alice"}
	post := &domain.Post{Content: "line one\n\nline two", CreatedAt: time.Now()}

	activity := NewCreateNote(testDomain, local, post)
	raw, err := json.Marshal(activity)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Create", decoded["type"])
	assert.Equal(t, ActorURI(testDomain, "alice"), decoded["actor"])

	object := decoded["object"].(map[string]any)
	assert.Equal(t, "Note", object["type"])
	assert.Contains(t, object["content"], "<p>line one</p>")
	assert.Contains(t, object["content"], "<p>line two</p>")
	assert.Contains(t, decoded["to"], PublicCollection)
	assert.Contains(t, decoded["cc"], FollowersURI(testDomain, "alice"))
}

func TestRenderContentEscapesHTML(t *testing.T) {
	rendered := renderContent("<script>alert(1)</script>")
	assert.NotContains(t, rendered, "<script>")
	assert.Contains(t, rendered, "&lt;script&gt;")
}
