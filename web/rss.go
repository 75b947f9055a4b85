package web

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/util"
)

// PostStore is the post slice the feed endpoints read.
type PostStore interface {
	PostByID(id uuid.UUID) (*domain.Post, error)
	PostsByUsername(username string) ([]domain.Post, error)
	AllPosts(limit int) ([]domain.Post, error)
}

const feedLimit = 50

// SiteFeed renders the RSS feed, optionally scoped to one author.
func SiteFeed(store PostStore, conf *util.AppConfig, username string) (string, error) {
	host := conf.Conf.Domain

	var posts []domain.Post
	var err error
	title := fmt.Sprintf("%s on %s", util.GetNameAndVersion(), host)
	if username != "" {
		posts, err = store.PostsByUsername(username)
		title = fmt.Sprintf("@%s@%s", username, host)
	} else {
		posts, err = store.AllPosts(feedLimit)
	}
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: "https://" + host},
		Description: "Published posts",
	}
	for _, post := range posts {
		feed.Items = append(feed.Items, feedItem(&post, host))
	}
	return feed.ToRss()
}

// PostFeedItem renders a single post as a one-item RSS feed.
func PostFeedItem(store PostStore, conf *util.AppConfig, id uuid.UUID) (string, error) {
	post, err := store.PostByID(id)
	if err != nil {
		return "", err
	}
	host := conf.Conf.Domain
	feed := &feeds.Feed{
		Title: fmt.Sprintf("@%s@%s", post.CreatedBy, host),
		Link:  &feeds.Link{Href: fmt.Sprintf("https://%s/posts/%s", host, post.Id)},
	}
	feed.Items = append(feed.Items, feedItem(post, host))
	return feed.ToRss()
}

func feedItem(post *domain.Post, host string) *feeds.Item {
	return &feeds.Item{
		Id:          post.Id.String(),
		Title:       truncate(util.NormalizeInput(post.Content), 80),
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/posts/%s", host, post.Id)},
		Description: post.Content,
		Author:      &feeds.Author{Name: post.CreatedBy},
		Created:     post.CreatedAt,
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
