package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pressfed/pressfed/activitypub"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/util"
)

type jrdResponse struct {
	Subject string    `json:"subject"`
	Links   []jrdLink `json:"links"`
}

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// ParseWebfingerResource extracts the username from an acct: resource,
// rejecting lookups for other hosts.
func ParseWebfingerResource(resource, host string) (string, error) {
	trimmed := strings.TrimPrefix(resource, "acct:")
	trimmed = strings.TrimPrefix(trimmed, "@")
	user, resHost, found := strings.Cut(trimmed, "@")
	if !found || user == "" {
		return "", fmt.Errorf("malformed resource %q", resource)
	}
	if resHost != host {
		return "", fmt.Errorf("resource %q is not served here", resource)
	}
	return user, nil
}

// WebfingerDocument renders the JRD descriptor pointing at the actor.
func WebfingerDocument(acc *domain.Account, conf *util.AppConfig) ([]byte, error) {
	host := conf.Conf.Domain
	return json.Marshal(jrdResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, host),
		Links: []jrdLink{
			{
				Rel:  "self",
				Type: activitypub.MediaType,
				Href: activitypub.ActorURI(host, acc.Username),
			},
		},
	})
}
