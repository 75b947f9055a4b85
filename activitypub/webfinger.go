package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Resolution is the result of turning a handle into an actor URI.
// Authoritative is false when the URI came from URL-pattern guessing
// rather than the remote host's webfinger endpoint.
type Resolution struct {
	ActorURI      string
	Authoritative bool
}

type jrdDocument struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// WebfingerResolver turns @user@host handles into actor URIs via the
// remote host's /.well-known/webfinger endpoint, with common URL-pattern
// fallbacks when the endpoint is missing or broken.
type WebfingerResolver struct {
	directory *Directory
	client    *http.Client
	scheme    string
}

func NewWebfingerResolver(directory *Directory) *WebfingerResolver {
	return &WebfingerResolver{
		directory: directory,
		client:    &http.Client{Timeout: 15 * time.Second},
		scheme:    "https",
	}
}

// ResolveHandle resolves a handle like "@alice@example.com" (the leading
// @ is optional). The returned actor URI has been fetched and cached, so
// a successful resolution always refers to a live actor.
func (r *WebfingerResolver) ResolveHandle(handle string) (*Resolution, error) {
	user, host, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}

	actorURI, err := r.query(user, host)
	if err == nil {
		if _, err := r.directory.Resolve(actorURI); err == nil {
			return &Resolution{ActorURI: actorURI, Authoritative: true}, nil
		}
	} else {
		log.Debug("Webfinger lookup failed, trying fallbacks", "handle", handle, "err", err)
	}

	// Heuristic fallbacks for hosts without webfinger. Each guess only
	// counts if the actor document actually fetches.
	for _, guess := range []string{
		fmt.Sprintf("%s://%s/users/%s", r.scheme, host, user),
		fmt.Sprintf("%s://%s/@%s", r.scheme, host, user),
	} {
		if _, err := r.directory.ResolveForce(guess); err == nil {
			return &Resolution{ActorURI: guess, Authoritative: false}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrActorNotFound, handle)
}

// query asks the host's webfinger endpoint for the actor URI.
func (r *WebfingerResolver) query(user, host string) (string, error) {
	endpoint := url.URL{
		Scheme:   r.scheme,
		Host:     host,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {fmt.Sprintf("acct:%s@%s", user, host)}}.Encode(),
	}

	req, err := http.NewRequest(http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger on %s: status %d", host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return "", err
	}
	var jrd jrdDocument
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", fmt.Errorf("webfinger on %s: %w", host, err)
	}

	// Prefer the self link typed as an activity document; fall back to
	// any self link.
	var fallback string
	for _, link := range jrd.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		if strings.Contains(link.Type, "activity+json") {
			return link.Href, nil
		}
		if fallback == "" {
			fallback = link.Href
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("webfinger on %s: no self link", host)
}

// splitHandle parses "@user@host" or "user@host" into its parts.
func splitHandle(handle string) (string, string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	user, host, found := strings.Cut(trimmed, "@")
	if !found || user == "" || host == "" {
		return "", "", fmt.Errorf("invalid handle %q, want user@host", handle)
	}
	return user, host, nil
}
