package activitypub

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// MediaType is the activity-document content type used for all
	// federation requests and responses.
	MediaType = "application/activity+json"

	// PublicCollection is the addressing sentinel for public activities.
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

	userAgent = "pressfed/1.0 ActivityPub"
)

func ActorURI(domain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, username)
}

func InboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/inbox"
}

func SharedInboxURI(domain string) string {
	return fmt.Sprintf("https://%s/inbox", domain)
}

func OutboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/outbox"
}

func FollowersURI(domain, username string) string {
	return ActorURI(domain, username) + "/followers"
}

func FollowingURI(domain, username string) string {
	return ActorURI(domain, username) + "/following"
}

func PostURI(domain, id string) string {
	return fmt.Sprintf("https://%s/posts/%s", domain, id)
}

func NewActivityURI(domain, id string) string {
	return fmt.Sprintf("https://%s/activities/%s", domain, id)
}

// KeyID names a local actor's signing key.
// Format: "https://example.com/users/alice#main-key"
func KeyID(domain, username string) string {
	return ActorURI(domain, username) + "#main-key"
}

// extractDomain extracts the host from an actor URI.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}

// extractUsername extracts the trailing username segment from URIs like
// "https://example.com/users/alice" or "https://example.com/@alice".
func extractUsername(uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
