package activitypub

import (
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/httpsig"
)

// Resolution failure sentinels.
var (
	ErrActorNotFound = errors.New("actor not found")
	ErrActorGone     = errors.New("actor gone")
	ErrActorInvalid  = errors.New("actor document invalid")
)

// AccountStore is the slice of the database the directory needs for local
// actors.
type AccountStore interface {
	AccountByUsername(username string) (*domain.Account, error)
	AccountByID(id uuid.UUID) (*domain.Account, error)
}

// RemoteAccountStore persists cached remote actor records.
type RemoteAccountStore interface {
	RemoteAccountByURI(actorURI string) (*domain.RemoteAccount, error)
	UpsertRemoteAccount(acc *domain.RemoteAccount) error
	DeleteRemoteAccount(id uuid.UUID) error
}

// actorDocument is the wire shape of a fetched actor.
type actorDocument struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	PublicKey         json.RawMessage `json:"publicKey"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		URL string `json:"url"`
	} `json:"icon"`
}

type actorKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Directory resolves actor URIs to cached actor records, fetching and
// re-fetching remote documents as needed. Local actors are answered from
// the accounts table without any HTTP.
type Directory struct {
	accounts AccountStore
	remotes  RemoteAccountStore
	client   *http.Client
	domain   string
	ttl      time.Duration

	mu         sync.Mutex
	refreshing map[string]struct{}
}

func NewDirectory(accounts AccountStore, remotes RemoteAccountStore, domain string, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{
		accounts:   accounts,
		remotes:    remotes,
		client:     &http.Client{Timeout: 15 * time.Second},
		domain:     domain,
		ttl:        ttl,
		refreshing: make(map[string]struct{}),
	}
}

// Resolve returns the actor record for actorURI, preferring the cache. A
// stale cached record is returned immediately while a single background
// refresh is kicked off; concurrent resolves of the same stale actor do
// not stack up refreshes.
func (d *Directory) Resolve(actorURI string) (*domain.RemoteAccount, error) {
	if d.isLocal(actorURI) {
		return d.localActor(actorURI)
	}

	cached, err := d.remotes.RemoteAccountByURI(actorURI)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if cached != nil {
		if time.Since(cached.LastFetchedAt) > d.ttl {
			d.refreshAsync(actorURI)
		}
		return cached, nil
	}
	return d.fetch(actorURI)
}

// ResolveForce bypasses the cache and re-fetches the actor document,
// updating the stored record. Used after a signature fails against a
// cached key, and for Update(Person) activities.
func (d *Directory) ResolveForce(actorURI string) (*domain.RemoteAccount, error) {
	if d.isLocal(actorURI) {
		return d.localActor(actorURI)
	}
	return d.fetch(actorURI)
}

// ResolveKey resolves a signature keyId to the owning actor and its RSA
// public key. The fragment is stripped; the base URI is resolved like any
// actor reference.
func (d *Directory) ResolveKey(keyID string) (*rsa.PublicKey, *domain.RemoteAccount, error) {
	return d.resolveKey(keyID, false)
}

// ResolveKeyForce is ResolveKey with a forced re-fetch, for the one retry
// allowed after a crypto mismatch against a cached key.
func (d *Directory) ResolveKeyForce(keyID string) (*rsa.PublicKey, *domain.RemoteAccount, error) {
	return d.resolveKey(keyID, true)
}

func (d *Directory) resolveKey(keyID string, force bool) (*rsa.PublicKey, *domain.RemoteAccount, error) {
	actorURI := keyID
	if i := strings.IndexByte(actorURI, '#'); i >= 0 {
		actorURI = actorURI[:i]
	}

	var acc *domain.RemoteAccount
	var err error
	if force {
		acc, err = d.ResolveForce(actorURI)
	} else {
		acc, err = d.Resolve(actorURI)
	}
	if err != nil {
		return nil, nil, httpsig.NewError(httpsig.ErrKeyResolutionFailed, "resolving "+actorURI, err)
	}

	pub, err := httpsig.ParsePublicKey([]byte(acc.PublicKeyPem))
	if err != nil {
		return nil, nil, httpsig.NewError(httpsig.ErrKeyResolutionFailed,
			fmt.Sprintf("stored key for %s unparseable", actorURI), err)
	}
	return pub, acc, nil
}

func (d *Directory) isLocal(actorURI string) bool {
	host, err := extractDomain(actorURI)
	return err == nil && host == d.domain
}

// localActor synthesizes an actor record for one of our own accounts so
// callers never treat local addressing as a network fetch.
func (d *Directory) localActor(actorURI string) (*domain.RemoteAccount, error) {
	username := extractUsername(actorURI)
	acc, err := d.accounts.AccountByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActorNotFound
		}
		return nil, err
	}
	return &domain.RemoteAccount{
		Id:             acc.Id,
		Username:       acc.Username,
		Domain:         d.domain,
		ActorURI:       ActorURI(d.domain, acc.Username),
		DisplayName:    acc.DisplayName,
		Summary:        acc.Summary,
		InboxURI:       InboxURI(d.domain, acc.Username),
		SharedInboxURI: SharedInboxURI(d.domain),
		OutboxURI:      OutboxURI(d.domain, acc.Username),
		PublicKeyPem:   acc.WebPublicKey,
		LastFetchedAt:  time.Now(),
	}, nil
}

// refreshAsync starts at most one background re-fetch per actor URI.
func (d *Directory) refreshAsync(actorURI string) {
	d.mu.Lock()
	if _, busy := d.refreshing[actorURI]; busy {
		d.mu.Unlock()
		return
	}
	d.refreshing[actorURI] = struct{}{}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.refreshing, actorURI)
			d.mu.Unlock()
		}()
		if _, err := d.fetch(actorURI); err != nil {
			log.Debug("Background actor refresh failed", "actor", actorURI, "err", err)
		}
	}()
}

// fetch retrieves and validates the actor document, then upserts the
// cached record. 410 marks the actor gone.
func (d *Directory) fetch(actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequest(http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorInvalid, err)
	}
	req.Header.Set("Accept", MediaType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", actorURI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, ErrActorGone
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrActorNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetching %s: unexpected status %d", actorURI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", actorURI, err)
	}

	acc, err := d.parseActor(actorURI, body)
	if err != nil {
		return nil, err
	}
	if err := d.remotes.UpsertRemoteAccount(acc); err != nil {
		return nil, err
	}
	log.Debug("Cached remote actor", "actor", acc.ActorURI, "domain", acc.Domain)
	return acc, nil
}

func (d *Directory) parseActor(actorURI string, body []byte) (*domain.RemoteAccount, error) {
	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorInvalid, err)
	}
	if doc.ID == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: missing id or inbox", ErrActorInvalid)
	}
	// The document must be authoritative for the URI it was fetched from.
	docHost, err := extractDomain(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q", ErrActorInvalid, doc.ID)
	}
	reqHost, err := extractDomain(actorURI)
	if err != nil || docHost != reqHost {
		return nil, fmt.Errorf("%w: id host %q does not match fetch host", ErrActorInvalid, docHost)
	}

	keyPem, err := firstValidKey(doc.PublicKey)
	if err != nil {
		return nil, err
	}

	username := doc.PreferredUsername
	if username == "" {
		username = extractUsername(doc.ID)
	}

	return &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         docHost,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		OutboxURI:      doc.Outbox,
		PublicKeyPem:   keyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  time.Now(),
	}, nil
}

// firstValidKey handles both publicKey shapes seen in the wild: a single
// object or an array of key objects. The first entry with usable PEM
// material wins.
func firstValidKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: no publicKey", ErrActorInvalid)
	}

	var keys []actorKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		var single actorKey
		if err := json.Unmarshal(raw, &single); err != nil {
			return "", fmt.Errorf("%w: unparseable publicKey", ErrActorInvalid)
		}
		keys = []actorKey{single}
	}

	for _, k := range keys {
		if k.PublicKeyPem == "" {
			continue
		}
		if _, err := httpsig.ParsePublicKey([]byte(k.PublicKeyPem)); err != nil {
			continue
		}
		return k.PublicKeyPem, nil
	}
	return "", fmt.Errorf("%w: no usable publicKey entry", ErrActorInvalid)
}
