package web

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/activitypub"
	"github.com/pressfed/pressfed/db"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/util"
	"golang.org/x/time/rate"
)

const maxActivitySize = 1 * 1024 * 1024 // 1MB activity bodies

// Router builds the HTTP surface: federation endpoints, webfinger, and
// the RSS feeds.
func Router(conf *util.AppConfig, store *db.DB, svc *activitypub.Service, inbox *activitypub.Inbox) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limit: 10 requests per second per IP, burst of 20
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	host := conf.Conf.Domain

	g.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": util.GetNameAndVersion(), "domain": host})
	})

	// RSS feeds
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := SiteFeed(store, conf, c.Query("username"))
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
			return
		}
		c.Render(http.StatusOK, render.String{Format: rss})
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		postId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
			return
		}
		rss, err := PostFeedItem(store, conf, postId)
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
			return
		}
		c.Render(http.StatusOK, render.String{Format: rss})
	})

	// Federation endpoints get a stricter limit and a body size cap.
	apLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBody := MaxBytesMiddleware(maxActivitySize)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		handleWebfinger(c, store, conf)
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		withAccount(c, store, func(acc *domain.Account) ([]byte, error) {
			return ActorDocument(acc, conf)
		})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		withAccount(c, store, func(acc *domain.Account) ([]byte, error) {
			return FollowersCollection(svc.Registry(), acc, host, pageParam(c))
		})
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		withAccount(c, store, func(acc *domain.Account) ([]byte, error) {
			return FollowingCollection(svc.Registry(), acc, host, pageParam(c))
		})
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		withAccount(c, store, func(acc *domain.Account) ([]byte, error) {
			return OutboxCollection(store, acc, host, pageParam(c))
		})
	})

	g.GET("/posts/:id", func(c *gin.Context) {
		handlePostObject(c, store, conf)
	})

	g.POST("/users/:actor/inbox", apLimiter, maxBody, func(c *gin.Context) {
		handleInbox(c, inbox, c.Param("actor"))
	})

	g.POST("/inbox", apLimiter, maxBody, func(c *gin.Context) {
		handleInbox(c, inbox, "")
	})

	return g
}

// Run starts the router and blocks.
func Run(conf *util.AppConfig, store *db.DB, svc *activitypub.Service, inbox *activitypub.Inbox) error {
	g := Router(conf, store, svc, inbox)
	addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	log.Info("Starting HTTP server", "addr", addr, "domain", conf.Conf.Domain)
	return g.Run(addr)
}

// withAccount renders an actor-scoped document or the uniform 404.
func withAccount(c *gin.Context, store *db.DB, build func(acc *domain.Account) ([]byte, error)) {
	acc, err := store.AccountByUsername(c.Param("actor"))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		} else {
			c.Status(http.StatusInternalServerError)
		}
		return
	}
	doc, err := build(acc)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activitypub.MediaType+"; charset=utf-8", doc)
}

func handleInbox(c *gin.Context, inbox *activitypub.Inbox, username string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	c.Status(inbox.HandleRequest(c.Request, body, username))
}

func handleWebfinger(c *gin.Context, store *db.DB, conf *util.AppConfig) {
	resource := c.Query("resource")
	username, err := ParseWebfingerResource(resource, conf.Conf.Domain)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported resource"})
		return
	}
	acc, err := store.AccountByUsername(username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	doc, err := WebfingerDocument(acc, conf)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/jrd+json; charset=utf-8", doc)
}

func handlePostObject(c *gin.Context, store *db.DB, conf *util.AppConfig) {
	postId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	post, err := store.PostByID(postId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	acc, err := store.AccountByUsername(post.CreatedBy)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	doc, err := NoteDocument(acc, post, conf)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activitypub.MediaType+"; charset=utf-8", doc)
}

func pageParam(c *gin.Context) int {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 0 {
		return 0
	}
	return page
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
