package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

// ContentStore is the slice of the database the service needs for posts.
type ContentStore interface {
	CreatePost(accountId uuid.UUID, content string) (*domain.Post, error)
	PostByID(id uuid.UUID) (*domain.Post, error)
	UpdatePostContent(id uuid.UUID, content string) error
	DeletePost(id uuid.UUID) error
}

// Service is the federation facade the web layer talks to.
type Service struct {
	accounts   AccountStore
	content    ContentStore
	activities ActivityStore
	directory  *Directory
	webfinger  *WebfingerResolver
	registry   *Registry
	dispatcher *Dispatcher
	domain     string
}

func NewService(accounts AccountStore, content ContentStore, activities ActivityStore,
	directory *Directory, webfinger *WebfingerResolver, registry *Registry,
	dispatcher *Dispatcher, domain string) *Service {
	return &Service{
		accounts:   accounts,
		content:    content,
		activities: activities,
		directory:  directory,
		webfinger:  webfinger,
		registry:   registry,
		dispatcher: dispatcher,
		domain:     domain,
	}
}

func (s *Service) Domain() string        { return s.domain }
func (s *Service) Registry() *Registry   { return s.registry }
func (s *Service) Directory() *Directory { return s.directory }

// ResolveActor accepts either an actor URI or a @user@host handle.
func (s *Service) ResolveActor(ref string) (*domain.RemoteAccount, error) {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return s.directory.Resolve(ref)
	}
	res, err := s.webfinger.ResolveHandle(ref)
	if err != nil {
		return nil, err
	}
	return s.directory.Resolve(res.ActorURI)
}

// ResolveHandle exposes webfinger resolution with its authoritative flag.
func (s *Service) ResolveHandle(handle string) (*Resolution, error) {
	return s.webfinger.ResolveHandle(handle)
}

// Follow sends a Follow to a remote actor on behalf of a local account.
// The relation stays pending until the remote Accept arrives.
func (s *Service) Follow(localId uuid.UUID, ref string) (*domain.Follow, error) {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return nil, err
	}
	remote, err := s.ResolveActor(ref)
	if err != nil {
		return nil, err
	}
	if remote.Domain == s.domain {
		return nil, errors.New("cannot follow a local account over federation")
	}

	follow := NewFollow(s.domain, local, remote.ActorURI)
	stored, err := s.registry.AddFollowing(local, remote, follow.ID)
	if err != nil {
		return nil, err
	}
	// An existing relation means the Follow already went out.
	if stored.URI != follow.ID {
		return stored, nil
	}
	if _, err := s.dispatcher.DeliverTo(follow, remote.InboxURI); err != nil {
		return nil, err
	}
	return stored, nil
}

// Unfollow retracts a follow with an Undo and drops the relation.
func (s *Service) Unfollow(localId uuid.UUID, ref string) error {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return err
	}
	remote, err := s.ResolveActor(ref)
	if err != nil {
		return err
	}
	follow, err := s.registry.FollowByPair(local.Id, remote.Id)
	if err != nil {
		if errors.Is(err, ErrRelationNotFound) {
			return nil
		}
		return err
	}

	undo := NewUndoFollow(s.domain, local, remote.ActorURI, follow.URI)
	if _, err := s.dispatcher.DeliverTo(undo, remote.InboxURI); err != nil {
		return err
	}
	return s.registry.RemoveFollowing(local.Id, remote.Id)
}

// PublishPost stores a post, logs its Create activity, and fans it out
// to the author's followers.
func (s *Service) PublishPost(localId uuid.UUID, content string) (*domain.Post, *DispatchReceipt, error) {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return nil, nil, err
	}
	post, err := s.content.CreatePost(local.Id, content)
	if err != nil {
		return nil, nil, err
	}
	post.CreatedBy = local.Username

	activity := NewCreateNote(s.domain, local, post)
	receipt, err := s.dispatch(activity, local, PostURI(s.domain, post.Id.String()))
	if err != nil {
		return post, nil, err
	}
	return post, receipt, nil
}

// UpdatePost edits a post and announces the edit.
func (s *Service) UpdatePost(localId, postId uuid.UUID, content string) (*DispatchReceipt, error) {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return nil, err
	}
	if err := s.content.UpdatePostContent(postId, content); err != nil {
		return nil, err
	}
	post, err := s.content.PostByID(postId)
	if err != nil {
		return nil, err
	}
	activity := NewUpdateNote(s.domain, local, post)
	return s.dispatch(activity, local, PostURI(s.domain, post.Id.String()))
}

// DeletePost removes a post and announces the deletion.
func (s *Service) DeletePost(localId, postId uuid.UUID) (*DispatchReceipt, error) {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return nil, err
	}
	if err := s.content.DeletePost(postId); err != nil {
		return nil, err
	}
	activity := NewDeleteNote(s.domain, local, postId.String())
	return s.dispatch(activity, local, PostURI(s.domain, postId.String()))
}

// Dispatch enqueues an already-built activity for the sender.
func (s *Service) Dispatch(activity *Activity, localId uuid.UUID) (*DispatchReceipt, error) {
	local, err := s.accounts.AccountByID(localId)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(activity, local)
}

// dispatch logs the local activity then enqueues deliveries. The stored
// JSON is what the outbox collection serves later.
func (s *Service) dispatch(activity *Activity, sender *domain.Account, objectURI string) (*DispatchReceipt, error) {
	raw, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("encoding activity: %w", err)
	}
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     ActorURI(s.domain, sender.Username),
		ObjectURI:    objectURI,
		RawJSON:      string(raw),
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := s.activities.CreateActivity(record); err != nil {
		return nil, fmt.Errorf("logging activity: %w", err)
	}
	return s.dispatcher.Dispatch(activity, sender)
}

// Timeline returns recent posts received from followed remote actors.
func (s *Service) Timeline(limit int) ([]domain.Activity, error) {
	return s.activities.FederatedActivities(limit)
}

// Followers pages through the relations following a local account.
func (s *Service) Followers(localId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return s.registry.Followers(localId, limit, offset)
}

// Following pages through a local account's accepted outbound follows.
func (s *Service) Following(localId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return s.registry.Following(localId, limit, offset)
}

func (s *Service) CountFollowers(localId uuid.UUID) (int, error) {
	return s.registry.CountFollowers(localId)
}

func (s *Service) CountFollowing(localId uuid.UUID) (int, error) {
	return s.registry.CountFollowing(localId)
}
