package activitypub

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

// Activity is the outgoing activity envelope.
type Activity struct {
	Context   any      `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Object    any      `json:"object,omitempty"`
}

// Note is the object shape for published posts.
type Note struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	Updated      string   `json:"updated,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

const activityContext = "https://www.w3.org/ns/activitystreams"

// DeliveryQueue is where computed deliveries land.
type DeliveryQueue interface {
	EnqueueJob(job *domain.DeliveryJob) error
}

// DispatchReceipt reports what a dispatch actually enqueued.
type DispatchReceipt struct {
	JobIDs  []uuid.UUID
	Skipped []string // recipient URIs that could not be resolved
}

// Dispatcher turns an addressed activity into delivery jobs: it expands
// collection addressing, resolves each recipient to an inbox, collapses
// shared inboxes, and deduplicates before enqueueing. Nothing is sent
// here; the scheduler drains the queue.
type Dispatcher struct {
	directory *Directory
	registry  *Registry
	queue     DeliveryQueue
	domain    string
}

func NewDispatcher(directory *Directory, registry *Registry, queue DeliveryQueue, domain string) *Dispatcher {
	return &Dispatcher{directory: directory, registry: registry, queue: queue, domain: domain}
}

// Dispatch enqueues one job per distinct target inbox for the activity's
// to/cc addressing. The sender's own inboxes are never targeted. A
// recipient that fails to resolve is skipped and reported, not fatal.
func (d *Dispatcher) Dispatch(activity *Activity, sender *domain.Account) (*DispatchReceipt, error) {
	receipt := &DispatchReceipt{}
	senderURI := ActorURI(d.domain, sender.Username)

	// Expand addressing to concrete recipient actors, keyed by actor URI
	// so one actor addressed twice counts once.
	recipients := make(map[string]*domain.RemoteAccount)
	var order []string
	add := func(acc *domain.RemoteAccount) {
		if acc.ActorURI == senderURI || acc.Domain == d.domain {
			return
		}
		if _, seen := recipients[acc.ActorURI]; seen {
			return
		}
		recipients[acc.ActorURI] = acc
		order = append(order, acc.ActorURI)
	}

	for _, addr := range append(append([]string{}, activity.To...), activity.Cc...) {
		switch {
		case addr == "" || addr == PublicCollection:
			// Public addressing selects no inbox by itself.
		case addr == FollowersURI(d.domain, sender.Username):
			followers, err := d.registry.FollowerAccounts(sender.Id)
			if err != nil {
				return nil, fmt.Errorf("expanding followers: %w", err)
			}
			for i := range followers {
				add(&followers[i])
			}
		default:
			acc, err := d.directory.Resolve(addr)
			if err != nil {
				log.Warn("Skipping unresolvable recipient", "recipient", addr, "err", err)
				receipt.Skipped = append(receipt.Skipped, addr)
				continue
			}
			add(acc)
		}
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("encoding activity: %w", err)
	}

	for _, inbox := range targetInboxes(recipients, order) {
		job := &domain.DeliveryJob{
			Id:            uuid.New(),
			ActivityURI:   activity.ID,
			InboxURI:      inbox,
			ActivityJSON:  string(payload),
			State:         domain.JobQueued,
			NextAttemptAt: time.Now(),
			CreatedAt:     time.Now(),
		}
		if err := d.queue.EnqueueJob(job); err != nil {
			return receipt, fmt.Errorf("enqueueing delivery to %s: %w", inbox, err)
		}
		receipt.JobIDs = append(receipt.JobIDs, job.Id)
	}

	log.Info("Dispatched activity", "type", activity.Type, "activity", activity.ID,
		"jobs", len(receipt.JobIDs), "skipped", len(receipt.Skipped))
	return receipt, nil
}

// DeliverTo enqueues a single job straight to one inbox, bypassing
// addressing expansion. Used for directed activities like Accept.
func (d *Dispatcher) DeliverTo(activity *Activity, inboxURI string) (uuid.UUID, error) {
	payload, err := json.Marshal(activity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding activity: %w", err)
	}
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   activity.ID,
		InboxURI:      inboxURI,
		ActivityJSON:  string(payload),
		State:         domain.JobQueued,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	if err := d.queue.EnqueueJob(job); err != nil {
		return uuid.Nil, err
	}
	return job.Id, nil
}

// targetInboxes collapses recipients to distinct inbox URIs. A shared
// inbox substitutes for personal ones only when more than one recipient
// advertises it, so a lone recipient still gets its own inbox.
func targetInboxes(recipients map[string]*domain.RemoteAccount, order []string) []string {
	sharedCount := make(map[string]int)
	for _, acc := range recipients {
		if acc.SharedInboxURI != "" {
			sharedCount[acc.SharedInboxURI]++
		}
	}

	seen := make(map[string]struct{})
	var inboxes []string
	for _, uri := range order {
		acc := recipients[uri]
		inbox := acc.InboxURI
		if acc.SharedInboxURI != "" && sharedCount[acc.SharedInboxURI] > 1 {
			inbox = acc.SharedInboxURI
		}
		if inbox == "" {
			continue
		}
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

// Activity builders

// NewCreateNote wraps a post in a public Create addressed to the
// author's followers.
func NewCreateNote(host string, author *domain.Account, post *domain.Post) *Activity {
	note := NoteFor(host, author, post)
	return &Activity{
		Context:   activityContext,
		ID:        note.ID + "/activity",
		Type:      "Create",
		Actor:     ActorURI(host, author.Username),
		Published: note.Published,
		To:        []string{PublicCollection},
		Cc:        []string{FollowersURI(host, author.Username)},
		Object:    note,
	}
}

// NewUpdateNote announces an edited post.
func NewUpdateNote(host string, author *domain.Account, post *domain.Post) *Activity {
	note := NoteFor(host, author, post)
	return &Activity{
		Context:   activityContext,
		ID:        NewActivityURI(host, uuid.NewString()),
		Type:      "Update",
		Actor:     ActorURI(host, author.Username),
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        []string{PublicCollection},
		Cc:        []string{FollowersURI(host, author.Username)},
		Object:    note,
	}
}

// NewDeleteNote announces a deleted post by its object URI.
func NewDeleteNote(host string, author *domain.Account, postId string) *Activity {
	return &Activity{
		Context:   activityContext,
		ID:        NewActivityURI(host, uuid.NewString()),
		Type:      "Delete",
		Actor:     ActorURI(host, author.Username),
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        []string{PublicCollection},
		Cc:        []string{FollowersURI(host, author.Username)},
		Object:    PostURI(host, postId),
	}
}

// NewFollow asks to follow a remote actor.
func NewFollow(host string, follower *domain.Account, targetURI string) *Activity {
	return &Activity{
		Context: activityContext,
		ID:      NewActivityURI(host, uuid.NewString()),
		Type:    "Follow",
		Actor:   ActorURI(host, follower.Username),
		To:      []string{targetURI},
		Object:  targetURI,
	}
}

// NewAccept accepts an incoming follow, echoing the original activity.
func NewAccept(host string, local *domain.Account, remote *domain.RemoteAccount, followURI string) *Activity {
	return &Activity{
		Context: activityContext,
		ID:      NewActivityURI(host, uuid.NewString()),
		Type:    "Accept",
		Actor:   ActorURI(host, local.Username),
		To:      []string{remote.ActorURI},
		Object: map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  remote.ActorURI,
			"object": ActorURI(host, local.Username),
		},
	}
}

// NewUndoFollow retracts an outbound follow.
func NewUndoFollow(host string, follower *domain.Account, targetURI, followURI string) *Activity {
	return &Activity{
		Context: activityContext,
		ID:      NewActivityURI(host, uuid.NewString()),
		Type:    "Undo",
		Actor:   ActorURI(host, follower.Username),
		To:      []string{targetURI},
		Object: map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  ActorURI(host, follower.Username),
			"object": targetURI,
		},
	}
}

// NoteFor renders a post as its ActivityPub Note object.
func NoteFor(host string, author *domain.Account, post *domain.Post) *Note {
	note := &Note{
		ID:           PostURI(host, post.Id.String()),
		Type:         "Note",
		AttributedTo: ActorURI(host, author.Username),
		Content:      renderContent(post.Content),
		Published:    post.CreatedAt.UTC().Format(time.RFC3339),
		To:           []string{PublicCollection},
		Cc:           []string{FollowersURI(host, author.Username)},
	}
	if post.EditedAt != nil {
		note.Updated = post.EditedAt.UTC().Format(time.RFC3339)
	}
	return note
}

// renderContent wraps plain text paragraphs in the minimal HTML remote
// servers expect.
func renderContent(content string) string {
	var b strings.Builder
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
