package web

import (
	"encoding/json"

	"github.com/pressfed/pressfed/activitypub"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/util"
)

// actorDoc is the served actor document. The publicKey object is what
// remote servers use to verify our request signatures.
type actorDoc struct {
	Context           []string  `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers"`
	Following         string    `json:"following"`
	PublicKey         publicKey `json:"publicKey"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorDocument renders a local account as its ActivityPub actor.
func ActorDocument(acc *domain.Account, conf *util.AppConfig) ([]byte, error) {
	host := conf.Conf.Domain
	actorURI := activitypub.ActorURI(host, acc.Username)

	doc := actorDoc{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              acc.DisplayName,
		Summary:           acc.Summary,
		Inbox:             activitypub.InboxURI(host, acc.Username),
		Outbox:            activitypub.OutboxURI(host, acc.Username),
		Followers:         activitypub.FollowersURI(host, acc.Username),
		Following:         activitypub.FollowingURI(host, acc.Username),
		PublicKey: publicKey{
			ID:           activitypub.KeyID(host, acc.Username),
			Owner:        actorURI,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
	doc.Endpoints.SharedInbox = activitypub.SharedInboxURI(host)

	return json.Marshal(doc)
}

// NoteDocument renders a post as a standalone ActivityPub object.
func NoteDocument(acc *domain.Account, post *domain.Post, conf *util.AppConfig) ([]byte, error) {
	doc := struct {
		Context string `json:"@context"`
		*activitypub.Note
	}{
		Context: "https://www.w3.org/ns/activitystreams",
		Note:    activitypub.NoteFor(conf.Conf.Domain, acc, post),
	}
	return json.Marshal(doc)
}
