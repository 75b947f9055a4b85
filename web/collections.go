package web

import (
	"encoding/json"
	"fmt"

	"github.com/pressfed/pressfed/activitypub"
	"github.com/pressfed/pressfed/domain"
)

const collectionPageSize = 20

// OutboxStore is the activity-log slice the outbox collection reads.
type OutboxStore interface {
	OutboxActivities(actorURI string, limit, offset int) ([]domain.Activity, error)
	CountOutboxActivities(actorURI string) (int, error)
}

type orderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
}

type orderedCollectionPage struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems any    `json:"orderedItems"`
	Next         string `json:"next,omitempty"`
	Prev         string `json:"prev,omitempty"`
}

// FollowersCollection renders the followers collection. page 0 is the
// summary; pages count from 1 and run oldest first so existing pages
// stay stable as followers arrive.
func FollowersCollection(registry *activitypub.Registry, acc *domain.Account, host string, page int) ([]byte, error) {
	collectionURI := activitypub.FollowersURI(host, acc.Username)
	total, err := registry.CountFollowers(acc.Id)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		return collectionSummary(collectionURI, total)
	}
	uris, err := registry.FollowerURIs(acc.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		return nil, err
	}
	return collectionPage(collectionURI, page, total, urisToItems(uris))
}

// FollowingCollection renders the accounts a local account follows.
func FollowingCollection(registry *activitypub.Registry, acc *domain.Account, host string, page int) ([]byte, error) {
	collectionURI := activitypub.FollowingURI(host, acc.Username)
	total, err := registry.CountFollowing(acc.Id)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		return collectionSummary(collectionURI, total)
	}
	uris, err := registry.FollowingURIs(acc.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		return nil, err
	}
	return collectionPage(collectionURI, page, total, urisToItems(uris))
}

// OutboxCollection renders the account's published Create activities.
func OutboxCollection(store OutboxStore, acc *domain.Account, host string, page int) ([]byte, error) {
	actorURI := activitypub.ActorURI(host, acc.Username)
	collectionURI := activitypub.OutboxURI(host, acc.Username)
	total, err := store.CountOutboxActivities(actorURI)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		return collectionSummary(collectionURI, total)
	}
	activities, err := store.OutboxActivities(actorURI, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(activities))
	for _, a := range activities {
		items = append(items, json.RawMessage(a.RawJSON))
	}
	return collectionPage(collectionURI, page, total, items)
}

func collectionSummary(collectionURI string, total int) ([]byte, error) {
	col := orderedCollection{
		Context:    "https://www.w3.org/ns/activitystreams",
		ID:         collectionURI,
		Type:       "OrderedCollection",
		TotalItems: total,
	}
	if total > 0 {
		col.First = pageURI(collectionURI, 1)
	}
	return json.Marshal(col)
}

func collectionPage(collectionURI string, page, total int, items any) ([]byte, error) {
	p := orderedCollectionPage{
		Context:      "https://www.w3.org/ns/activitystreams",
		ID:           pageURI(collectionURI, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionURI,
		TotalItems:   total,
		OrderedItems: items,
	}
	if page*collectionPageSize < total {
		p.Next = pageURI(collectionURI, page+1)
	}
	if page > 1 {
		p.Prev = pageURI(collectionURI, page-1)
	}
	return json.Marshal(p)
}

func pageURI(collectionURI string, page int) string {
	return fmt.Sprintf("%s?page=%d", collectionURI, page)
}

func urisToItems(uris []string) []string {
	if uris == nil {
		return []string{}
	}
	return uris
}
