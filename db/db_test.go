package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndReadAccount(t *testing.T) {
	db := openTestDB(t)

	acc, err := db.CreateAccount("alice", "Alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if acc.WebPublicKey == "" || acc.WebPrivateKey == "" {
		t.Error("Expected generated keypair on new account")
	}

	got, err := db.AccountByUsername("alice")
	if err != nil {
		t.Fatalf("AccountByUsername failed: %v", err)
	}
	if got.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, got.Id)
	}

	byId, err := db.AccountByID(acc.Id)
	if err != nil {
		t.Fatalf("AccountByID failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username alice, got %s", byId.Username)
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.CreateAccount("alice", ""); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := db.CreateAccount("alice", ""); err == nil {
		t.Error("Expected duplicate username to fail")
	}
}

func TestPostLifecycle(t *testing.T) {
	db := openTestDB(t)

	acc, err := db.CreateAccount("alice", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	post, err := db.CreatePost(acc.Id, "hello fediverse")
	if err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	got, err := db.PostByID(post.Id)
	if err != nil {
		t.Fatalf("PostByID failed: %v", err)
	}
	if got.Content != "hello fediverse" {
		t.Errorf("Unexpected content: %q", got.Content)
	}
	if got.CreatedBy != "alice" {
		t.Errorf("Expected author alice, got %q", got.CreatedBy)
	}
	if got.EditedAt != nil {
		t.Error("Expected no edit timestamp on a fresh post")
	}

	if err := db.UpdatePostContent(post.Id, "edited"); err != nil {
		t.Fatalf("UpdatePostContent failed: %v", err)
	}
	got, err = db.PostByID(post.Id)
	if err != nil {
		t.Fatalf("PostByID after edit failed: %v", err)
	}
	if got.Content != "edited" || got.EditedAt == nil {
		t.Error("Expected edited content with timestamp")
	}

	if err := db.DeletePost(post.Id); err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}
	if _, err := db.PostByID(post.Id); err == nil {
		t.Error("Expected deleted post to be gone")
	}
}

func testRemoteAccount(suffix string) *domain.RemoteAccount {
	return &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       "bob" + suffix,
		Domain:         "remote.example",
		ActorURI:       "https://remote.example/users/bob" + suffix,
		InboxURI:       "https://remote.example/users/bob" + suffix + "/inbox",
		SharedInboxURI: "https://remote.example/inbox",
		PublicKeyPem:   "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----",
		LastFetchedAt:  time.Now(),
	}
}

func TestUpsertRemoteAccountKeepsId(t *testing.T) {
	db := openTestDB(t)

	acc := testRemoteAccount("")
	if err := db.UpsertRemoteAccount(acc); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}
	originalId := acc.Id

	refreshed := testRemoteAccount("")
	refreshed.DisplayName = "Bob 2.0"
	if err := db.UpsertRemoteAccount(refreshed); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	if refreshed.Id != originalId {
		t.Errorf("Expected stored id %s to survive refresh, got %s", originalId, refreshed.Id)
	}
	if refreshed.DisplayName != "Bob 2.0" {
		t.Errorf("Expected refreshed display name, got %q", refreshed.DisplayName)
	}
}

func TestRemoteAccountByInboxMatchesShared(t *testing.T) {
	db := openTestDB(t)

	acc := testRemoteAccount("")
	if err := db.UpsertRemoteAccount(acc); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	byPersonal, err := db.RemoteAccountByInbox(acc.InboxURI)
	if err != nil {
		t.Fatalf("Lookup by personal inbox failed: %v", err)
	}
	if byPersonal.Id != acc.Id {
		t.Error("Personal inbox lookup returned wrong account")
	}

	byShared, err := db.RemoteAccountByInbox(acc.SharedInboxURI)
	if err != nil {
		t.Fatalf("Lookup by shared inbox failed: %v", err)
	}
	if byShared.Id != acc.Id {
		t.Error("Shared inbox lookup returned wrong account")
	}
}

func TestDeliveryFailureCounters(t *testing.T) {
	db := openTestDB(t)

	acc := testRemoteAccount("")
	if err := db.UpsertRemoteAccount(acc); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		n, err := db.BumpDeliveryFailures(acc.Id)
		if err != nil {
			t.Fatalf("BumpDeliveryFailures failed: %v", err)
		}
		if n != i {
			t.Errorf("Expected %d failures, got %d", i, n)
		}
	}

	if err := db.ResetDeliveryFailures(acc.Id); err != nil {
		t.Fatalf("ResetDeliveryFailures failed: %v", err)
	}
	got, err := db.RemoteAccountByID(acc.Id)
	if err != nil {
		t.Fatalf("RemoteAccountByID failed: %v", err)
	}
	if got.DeliveryFailures != 0 {
		t.Errorf("Expected reset counter, got %d", got.DeliveryFailures)
	}
}

func TestUpsertFollowIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	local, _ := db.CreateAccount("alice", "")
	remote := testRemoteAccount("")
	if err := db.UpsertRemoteAccount(remote); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	first, err := db.UpsertFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: local.Id,
		URI:             "https://remote.example/follows/1",
		Accepted:        true,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("First UpsertFollow failed: %v", err)
	}

	second, err := db.UpsertFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: local.Id,
		URI:             "https://remote.example/follows/2",
		Accepted:        true,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("Second UpsertFollow failed: %v", err)
	}

	if second.Id != first.Id {
		t.Error("Expected re-follow to return the stored relation")
	}
	if second.URI != first.URI {
		t.Error("Expected original follow URI to survive re-follow")
	}

	n, err := db.CountFollowers(local.Id)
	if err != nil {
		t.Fatalf("CountFollowers failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected exactly 1 follower, got %d", n)
	}
}

func TestFollowerPaginationIsStable(t *testing.T) {
	db := openTestDB(t)

	local, _ := db.CreateAccount("alice", "")
	var uris []string
	for i := 0; i < 5; i++ {
		remote := testRemoteAccount(string(rune('a' + i)))
		if err := db.UpsertRemoteAccount(remote); err != nil {
			t.Fatalf("UpsertRemoteAccount failed: %v", err)
		}
		_, err := db.UpsertFollow(&domain.Follow{
			Id:              uuid.New(),
			AccountId:       remote.Id,
			TargetAccountId: local.Id,
			URI:             remote.ActorURI + "/follow",
			Accepted:        true,
			CreatedAt:       time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("UpsertFollow failed: %v", err)
		}
		uris = append(uris, remote.ActorURI)
	}

	page1, err := db.FollowerURIs(local.Id, 3, 0)
	if err != nil {
		t.Fatalf("FollowerURIs failed: %v", err)
	}
	page2, err := db.FollowerURIs(local.Id, 3, 3)
	if err != nil {
		t.Fatalf("FollowerURIs page 2 failed: %v", err)
	}

	got := append(append([]string{}, page1...), page2...)
	if len(got) != 5 {
		t.Fatalf("Expected 5 followers across pages, got %d", len(got))
	}
	for i, uri := range uris {
		if got[i] != uri {
			t.Errorf("Expected oldest-first order, position %d: want %s, got %s", i, uri, got[i])
		}
	}
}

func TestAcceptFollowByURI(t *testing.T) {
	db := openTestDB(t)

	local, _ := db.CreateAccount("alice", "")
	remote := testRemoteAccount("")
	if err := db.UpsertRemoteAccount(remote); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	followURI := "https://local.example/activities/f1"
	_, err := db.UpsertFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       local.Id,
		TargetAccountId: remote.Id,
		URI:             followURI,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}

	n, _ := db.CountFollowing(local.Id)
	if n != 0 {
		t.Errorf("Expected pending follow to not count, got %d", n)
	}

	if err := db.AcceptFollowByURI(followURI); err != nil {
		t.Fatalf("AcceptFollowByURI failed: %v", err)
	}
	n, _ = db.CountFollowing(local.Id)
	if n != 1 {
		t.Errorf("Expected accepted follow to count, got %d", n)
	}
}

func TestClaimDueJobs(t *testing.T) {
	db := openTestDB(t)

	due := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   "https://local.example/activities/1",
		InboxURI:      "https://remote.example/inbox",
		ActivityJSON:  "{}",
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(-time.Minute),
		CreatedAt:     time.Now(),
	}
	future := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   "https://local.example/activities/2",
		InboxURI:      "https://remote.example/inbox",
		ActivityJSON:  "{}",
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(time.Hour),
		CreatedAt:     time.Now(),
	}
	for _, job := range []*domain.DeliveryJob{due, future} {
		if err := db.EnqueueJob(job); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
	}

	claimed, err := db.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Id != due.Id {
		t.Fatalf("Expected only the due job claimed, got %d jobs", len(claimed))
	}

	// A second claim must not hand the same job out again.
	again, err := db.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("Second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no jobs on second claim, got %d", len(again))
	}

	stored, err := db.JobByID(due.Id)
	if err != nil {
		t.Fatalf("JobByID failed: %v", err)
	}
	if stored.State != domain.JobDelivering {
		t.Errorf("Expected claimed job state delivering, got %s", stored.State)
	}
}

func TestRequeueAndCancel(t *testing.T) {
	db := openTestDB(t)

	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   "https://local.example/activities/1",
		InboxURI:      "https://remote.example/inbox",
		ActivityJSON:  "{}",
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(-time.Minute),
		CreatedAt:     time.Now(),
	}
	if err := db.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	if _, err := db.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	next := time.Now().Add(5 * time.Minute)
	if err := db.RequeueJob(job.Id, 1, next, "connection refused"); err != nil {
		t.Fatalf("RequeueJob failed: %v", err)
	}
	stored, _ := db.JobByID(job.Id)
	if stored.State != domain.JobQueued || stored.Attempts != 1 {
		t.Errorf("Expected requeued job with 1 attempt, got state=%s attempts=%d",
			stored.State, stored.Attempts)
	}

	if err := db.CancelJob(job.Id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	stored, _ = db.JobByID(job.Id)
	if stored.State != domain.JobCancelled {
		t.Errorf("Expected cancelled state, got %s", stored.State)
	}

	// Cancelled is terminal: neither a late mark nor a requeue can
	// resurrect the job.
	if err := db.MarkJob(job.Id, domain.JobSucceeded, ""); err != nil {
		t.Fatalf("MarkJob failed: %v", err)
	}
	if err := db.RequeueJob(job.Id, 2, time.Now(), "late result"); err != nil {
		t.Fatalf("RequeueJob failed: %v", err)
	}
	stored, _ = db.JobByID(job.Id)
	if stored.State != domain.JobCancelled {
		t.Errorf("Expected cancelled state to stick, got %s", stored.State)
	}
}

func TestCancelClaimedJobSticks(t *testing.T) {
	db := openTestDB(t)

	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   "https://local.example/activities/1",
		InboxURI:      "https://remote.example/inbox",
		ActivityJSON:  "{}",
		State:         domain.JobQueued,
		NextAttemptAt: time.Now().Add(-time.Minute),
		CreatedAt:     time.Now(),
	}
	if err := db.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	claimed, err := db.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected one claimed job, got %d", len(claimed))
	}

	// Cancel while the attempt is in flight.
	if err := db.CancelJob(job.Id); err != nil {
		t.Fatalf("CancelJob on claimed job failed: %v", err)
	}

	// The attempt comes back transient and tries to reschedule.
	if err := db.RequeueJob(job.Id, 1, time.Now().Add(-time.Second), "connection refused"); err != nil {
		t.Fatalf("RequeueJob failed: %v", err)
	}

	stored, err := db.JobByID(job.Id)
	if err != nil {
		t.Fatalf("JobByID failed: %v", err)
	}
	if stored.State != domain.JobCancelled {
		t.Errorf("Expected cancellation to survive the in-flight result, got %s", stored.State)
	}

	again, err := db.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs after cancel failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected cancelled job to never be claimed again, got %d", len(again))
	}
}

func TestActivityDeduplication(t *testing.T) {
	db := openTestDB(t)

	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example/activities/1",
		ActivityType: "Follow",
		ActorURI:     "https://remote.example/users/bob",
		RawJSON:      "{}",
		CreatedAt:    time.Now(),
	}
	if err := db.CreateActivity(activity); err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}

	dup := *activity
	dup.Id = uuid.New()
	if err := db.CreateActivity(&dup); err == nil {
		t.Error("Expected duplicate activity URI to be rejected")
	}

	got, err := db.ActivityByURI(activity.ActivityURI)
	if err != nil {
		t.Fatalf("ActivityByURI failed: %v", err)
	}
	if got.Id != activity.Id {
		t.Error("Lookup returned wrong activity")
	}
}

func TestFederatedActivities(t *testing.T) {
	db := openTestDB(t)

	remote := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example/activities/1",
		ActivityType: "Create",
		ActorURI:     "https://remote.example/users/bob",
		RawJSON:      "{}",
		CreatedAt:    time.Now(),
	}
	local := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://local.example/activities/1",
		ActivityType: "Create",
		ActorURI:     "https://local.example/users/alice",
		RawJSON:      "{}",
		Local:        true,
		CreatedAt:    time.Now(),
	}
	for _, a := range []*domain.Activity{remote, local} {
		if err := db.CreateActivity(a); err != nil {
			t.Fatalf("CreateActivity failed: %v", err)
		}
	}

	got, err := db.FederatedActivities(10)
	if err != nil {
		t.Fatalf("FederatedActivities failed: %v", err)
	}
	if len(got) != 1 || got[0].Id != remote.Id {
		t.Errorf("Expected only the remote Create activity, got %d", len(got))
	}
}
