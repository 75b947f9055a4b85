package activitypub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/db"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, store *db.DB, maxAttempts, threshold int) *Scheduler {
	t.Helper()
	return NewScheduler(store, store, store, httpsig.NewEngine(0), SchedulerConfig{
		Domain:               testDomain,
		Standard:             httpsig.StandardDraft,
		Workers:              2,
		PollInterval:         time.Hour, // tests drive ProcessDue directly
		MaxAttempts:          maxAttempts,
		UnreachableThreshold: threshold,
	})
}

func enqueueTestJob(t *testing.T, store *db.DB, local *domain.Account, inboxURI string) *domain.DeliveryJob {
	t.Helper()
	activity := NewCreateNote(testDomain, local, &domain.Post{
		Id:        uuid.New(),
		Content:   "hello",
		CreatedAt: time.Now(),
	})
	raw, err := json.Marshal(activity)
	require.NoError(t, err)

	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   activity.ID,
		InboxURI:      inboxURI,
		ActivityJSON:  string(raw),
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(-time.Second),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.EnqueueJob(job))
	return job
}

func TestSchedulerDeliversSignedActivity(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	var requests atomic.Int64
	var sawSignature atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Signature") != "" && r.Header.Get("Digest") != "" {
			sawSignature.Store(true)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	job := enqueueTestJob(t, store, local, srv.URL+"/inbox")
	newTestScheduler(t, store, 10, 5).ProcessDue()

	assert.Equal(t, int64(1), requests.Load())
	assert.True(t, sawSignature.Load(), "outgoing delivery must carry a draft signature")

	stored, err := store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, stored.State)

	outcomes, err := store.OutcomesByActivityURI(job.ActivityURI)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeSucceeded, outcomes[0].Result)
	assert.Equal(t, http.StatusAccepted, outcomes[0].StatusCode)
}

func TestSchedulerRetriesTransientThenExhausts(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	job := enqueueTestJob(t, store, local, srv.URL+"/inbox")
	scheduler := newTestScheduler(t, store, 2, 5)

	scheduler.ProcessDue()
	stored, err := store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, stored.State, "first 5xx schedules a retry")
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.NextAttemptAt.After(time.Now()), "retry must be in the future")

	// Pull the retry forward and run the final attempt.
	require.NoError(t, store.RequeueJob(job.Id, stored.Attempts, time.Now().Add(-time.Second), stored.LastError))
	scheduler.ProcessDue()

	stored, err = store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExhausted, stored.State)

	outcomes, err := store.OutcomesByActivityURI(job.ActivityURI)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeExhausted, outcomes[0].Result)
}

func TestSchedulerPermanentFailureDropsFollower(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	// The failing inbox belongs to a follower.
	remote := seedRemote(t, store, "bob")
	remote.InboxURI = srv.URL + "/inbox"
	require.NoError(t, store.UpsertRemoteAccount(remote))
	_, err = NewRegistry(store).AddFollower(local, remote, "https://remote.example/follows/1")
	require.NoError(t, err)

	job := enqueueTestJob(t, store, local, remote.InboxURI)
	newTestScheduler(t, store, 10, 1).ProcessDue()

	stored, err := store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.State, "4xx must not retry")

	outcomes, err := store.OutcomesByActivityURI(job.ActivityURI)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomePermanent, outcomes[0].Result)

	// Threshold 1: the first permanent failure drops the relation.
	n, err := store.CountFollowers(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSchedulerSuccessResetsFailureStreak(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	remote := seedRemote(t, store, "bob")
	remote.InboxURI = srv.URL + "/inbox"
	require.NoError(t, store.UpsertRemoteAccount(remote))
	_, err = store.BumpDeliveryFailures(remote.Id)
	require.NoError(t, err)

	enqueueTestJob(t, store, local, remote.InboxURI)
	newTestScheduler(t, store, 10, 5).ProcessDue()

	got, err := store.RemoteAccountByID(remote.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DeliveryFailures)
}

func TestSchedulerUnsignableJobSparesRecipient(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	remote := seedRemote(t, store, "bob")
	_, err = NewRegistry(store).AddFollower(local, remote, "https://remote.example/follows/1")
	require.NoError(t, err)

	// The activity's actor has no local account, so the job can never be
	// signed. Nothing is sent; nothing reaches the inbox.
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   "https://local.example/activities/orphan",
		InboxURI:      remote.InboxURI,
		ActivityJSON:  `{"id":"https://local.example/activities/orphan","type":"Create","actor":"https://local.example/users/ghost"}`,
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(-time.Second),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.EnqueueJob(job))

	newTestScheduler(t, store, 10, 1).ProcessDue()

	stored, err := store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.State, "an unsignable job must not retry")

	outcomes, err := store.OutcomesByActivityURI(job.ActivityURI)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomePermanent, outcomes[0].Result)

	// Even at threshold 1 the recipient keeps its follow: the failure
	// was local, not theirs.
	got, err := store.RemoteAccountByID(remote.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DeliveryFailures)
	n, err := store.CountFollowers(local.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchedulerCancelQueuedJob(t *testing.T) {
	store := newTestStore(t)
	local, err := store.CreateAccount("alice", "")
	require.NoError(t, err)

	job := enqueueTestJob(t, store, local, "http://127.0.0.1:1/inbox")
	scheduler := newTestScheduler(t, store, 10, 5)

	require.NoError(t, scheduler.Cancel(job.Id))
	scheduler.ProcessDue()

	stored, err := store.JobByID(job.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, stored.State, "a cancelled job must never be attempted")
}

func TestSchedulerStartStop(t *testing.T) {
	store := newTestStore(t)
	scheduler := newTestScheduler(t, store, 10, 5)
	scheduler.Start()
	scheduler.Stop()
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		status int
		err    error
		want   deliveryResult
	}{
		{status: 200, want: resultSuccess},
		{status: 202, want: resultSuccess},
		{status: 404, want: resultPermanent},
		{status: 403, want: resultPermanent},
		{status: 410, want: resultPermanent},
		{status: 429, want: resultTransient},
		{status: 500, want: resultTransient},
		{status: 503, want: resultTransient},
		{err: fmt.Errorf("connection refused"), want: resultTransient},
		{err: fmt.Errorf("no key: %w", errUnsignable), want: resultLocalError},
	} {
		assert.Equal(t, tc.want, classify(tc.status, tc.err),
			"status=%d err=%v", tc.status, tc.err)
	}
}

func TestBackoffLadder(t *testing.T) {
	for attempts, base := range map[int]time.Duration{
		1: 1 * time.Minute,
		2: 5 * time.Minute,
		3: 15 * time.Minute,
		6: 1440 * time.Minute,
		9: 1440 * time.Minute, // past the ladder the last rung repeats
	} {
		d := backoff(attempts)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempts=%d", attempts)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempts=%d", attempts)
	}
}
