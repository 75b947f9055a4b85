package activitypub

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/httpsig"
)

// ActivityStore logs processed activities for deduplication and the
// outbox collection.
type ActivityStore interface {
	CreateActivity(activity *domain.Activity) error
	ActivityByURI(uri string) (*domain.Activity, error)
	ActivityByObjectURI(uri string) (*domain.Activity, error)
	UpdateActivity(activity *domain.Activity) error
	DeleteActivity(id uuid.UUID) error
	DeleteActivitiesByActorURI(actorURI string) error
	FederatedActivities(limit int) ([]domain.Activity, error)
}

// incomingActivity is the envelope shape accepted on the inbox. Object
// is kept raw because its shape depends on the activity type.
type incomingActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// objectRef is the common subset of embedded objects.
type objectRef struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

// Inbox processes incoming federation traffic. Every request must carry
// a valid HTTP signature resolving to a known or fetchable actor; the
// response never distinguishes why verification failed.
type Inbox struct {
	directory  *Directory
	registry   *Registry
	dispatcher *Dispatcher
	activities ActivityStore
	accounts   AccountStore
	remotes    RemoteAccountStore
	engine     *httpsig.Engine
	domain     string
}

func NewInbox(directory *Directory, registry *Registry, dispatcher *Dispatcher,
	activities ActivityStore, accounts AccountStore, remotes RemoteAccountStore,
	engine *httpsig.Engine, domain string) *Inbox {
	return &Inbox{
		directory:  directory,
		registry:   registry,
		dispatcher: dispatcher,
		activities: activities,
		accounts:   accounts,
		remotes:    remotes,
		engine:     engine,
		domain:     domain,
	}
}

// HandleRequest verifies and processes one inbox POST. username is empty
// for the shared inbox. Returns the HTTP status to respond with.
func (ib *Inbox) HandleRequest(r *http.Request, body []byte, username string) int {
	sender, err := ib.verify(r, body)
	if err != nil {
		log.Info("Rejected inbox request", "kind", httpsig.KindOf(err), "err", err)
		return http.StatusUnauthorized
	}

	var activity incomingActivity
	if err := json.Unmarshal(body, &activity); err != nil || activity.ID == "" || activity.Type == "" {
		return http.StatusBadRequest
	}

	// The signer must be the actor the activity claims.
	if activity.Actor != sender.ActorURI {
		log.Info("Activity actor does not match signer",
			"actor", activity.Actor, "signer", sender.ActorURI)
		return http.StatusUnauthorized
	}

	// Replayed or double-delivered activities are acknowledged untouched.
	if existing, err := ib.activities.ActivityByURI(activity.ID); err == nil && existing != nil {
		return http.StatusAccepted
	}

	if err := ib.process(&activity, sender, body, username); err != nil {
		log.Error("Failed to process activity", "type", activity.Type, "activity", activity.ID, "err", err)
		return http.StatusInternalServerError
	}
	return http.StatusAccepted
}

// verify checks the request signature. On a crypto mismatch against a
// cached key the actor is re-fetched once, which covers key rotation.
func (ib *Inbox) verify(r *http.Request, body []byte) (*domain.RemoteAccount, error) {
	info, err := httpsig.Parse(r)
	if err != nil {
		return nil, err
	}
	signer := ib.engine.ByName(info.Standard)

	pub, sender, err := ib.directory.ResolveKey(info.KeyID)
	if err != nil {
		return nil, err
	}

	verr := signer.Verify(r, body, pub)
	if verr == nil {
		return sender, nil
	}
	if httpsig.KindOf(verr) != httpsig.ErrCryptoMismatch {
		return nil, verr
	}

	pub, sender, err = ib.directory.ResolveKeyForce(info.KeyID)
	if err != nil {
		return nil, verr
	}
	if err := signer.Verify(r, body, pub); err != nil {
		return nil, err
	}
	log.Debug("Signature verified after key refresh", "key", info.KeyID)
	return sender, nil
}

func (ib *Inbox) process(activity *incomingActivity, sender *domain.RemoteAccount, body []byte, username string) error {
	var ref objectRef
	json.Unmarshal(activity.Object, &ref)
	if ref.ID == "" {
		// Object may be a bare URI string.
		json.Unmarshal(activity.Object, &ref.ID)
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    ref.ID,
		RawJSON:      string(body),
		Processed:    true,
		CreatedAt:    time.Now(),
	}

	var err error
	switch activity.Type {
	case "Follow":
		err = ib.handleFollow(activity, sender, username)
	case "Undo":
		err = ib.handleUndo(&ref)
	case "Accept":
		err = ib.handleAccept(&ref)
	case "Reject":
		err = ib.handleReject(&ref)
	case "Create":
		err = ib.handleCreate(sender)
	case "Update":
		err = ib.handleUpdate(&ref, sender, body)
	case "Delete":
		err = ib.handleDelete(activity, &ref, sender)
		if errors.Is(err, errActorPurged) {
			// The actor record is gone; nothing left to log against.
			return nil
		}
	default:
		log.Debug("Ignoring unhandled activity type", "type", activity.Type, "actor", activity.Actor)
	}
	if err != nil {
		return err
	}
	if err := ib.activities.CreateActivity(record); err != nil {
		// Two concurrent deliveries of the same activity can both pass the
		// duplicate check; the insert loser treats it as the same no-op.
		if existing, dupErr := ib.activities.ActivityByURI(record.ActivityURI); dupErr == nil && existing != nil {
			return nil
		}
		return err
	}
	return nil
}

// handleFollow records the follower and queues an Accept back to them.
func (ib *Inbox) handleFollow(activity *incomingActivity, sender *domain.RemoteAccount, username string) error {
	var targetURI string
	json.Unmarshal(activity.Object, &targetURI)
	if targetURI == "" {
		var ref objectRef
		json.Unmarshal(activity.Object, &ref)
		targetURI = ref.ID
	}
	if username == "" {
		username = extractUsername(targetURI)
	}

	local, err := ib.accounts.AccountByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Info("Follow for unknown local account", "target", targetURI)
			return nil
		}
		return err
	}

	if _, err := ib.registry.AddFollower(local, sender, activity.ID); err != nil {
		return err
	}
	accept := NewAccept(ib.domain, local, sender, activity.ID)
	if _, err := ib.dispatcher.DeliverTo(accept, sender.InboxURI); err != nil {
		return err
	}
	log.Info("Accepted follower", "follower", sender.ActorURI, "account", local.Username)
	return nil
}

// handleUndo currently understands Undo(Follow).
func (ib *Inbox) handleUndo(ref *objectRef) error {
	if ref.Type != "" && ref.Type != "Follow" {
		log.Debug("Ignoring undo of unhandled type", "type", ref.Type)
		return nil
	}
	if ref.ID == "" {
		return nil
	}
	return ib.registry.RemoveFollowerByURI(ref.ID)
}

// handleAccept promotes our pending outbound follow.
func (ib *Inbox) handleAccept(ref *objectRef) error {
	if ref.ID == "" {
		return nil
	}
	if err := ib.registry.PromoteFollowing(ref.ID); err != nil {
		return err
	}
	log.Info("Outbound follow accepted", "follow", ref.ID)
	return nil
}

// handleReject drops our pending outbound follow.
func (ib *Inbox) handleReject(ref *objectRef) error {
	if ref.ID == "" {
		return nil
	}
	log.Info("Outbound follow rejected", "follow", ref.ID)
	return ib.registry.RemoveFollowingByURI(ref.ID)
}

// handleCreate stores remote posts from actors a local account follows.
// The raw activity record written by process is the timeline source.
func (ib *Inbox) handleCreate(sender *domain.RemoteAccount) error {
	log.Debug("Received remote post", "actor", sender.ActorURI)
	return nil
}

// handleUpdate refreshes either an actor profile or a stored object.
// The stored record keeps the full activity envelope, same shape as
// every other writer.
func (ib *Inbox) handleUpdate(ref *objectRef, sender *domain.RemoteAccount, body []byte) error {
	switch ref.Type {
	case "Person", "Service", "Application", "Group", "Organization":
		_, err := ib.directory.ResolveForce(sender.ActorURI)
		return err
	default:
		stored, err := ib.activities.ActivityByObjectURI(ref.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		stored.RawJSON = string(body)
		return ib.activities.UpdateActivity(stored)
	}
}

var errActorPurged = errors.New("actor purged")

// handleDelete removes either a stored object or, when an actor deletes
// itself, everything tied to that actor.
func (ib *Inbox) handleDelete(activity *incomingActivity, ref *objectRef, sender *domain.RemoteAccount) error {
	if ref.ID == activity.Actor {
		// Self-deletion: purge relations, logged activities, and the
		// cached actor record.
		if err := ib.registry.PurgeRemote(sender.Id); err != nil {
			return err
		}
		if err := ib.activities.DeleteActivitiesByActorURI(sender.ActorURI); err != nil {
			return err
		}
		if err := ib.remotes.DeleteRemoteAccount(sender.Id); err != nil {
			return err
		}
		log.Info("Purged deleted remote actor", "actor", sender.ActorURI)
		return errActorPurged
	}

	stored, err := ib.activities.ActivityByObjectURI(ref.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	return ib.activities.DeleteActivity(stored.Id)
}
