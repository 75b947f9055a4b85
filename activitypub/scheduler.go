package activitypub

import (
	"bytes"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/httpsig"
)

// JobStore is the queue surface the scheduler drains.
type JobStore interface {
	ClaimDueJobs(now time.Time, limit int) ([]domain.DeliveryJob, error)
	MarkJob(id uuid.UUID, state string, lastError string) error
	RequeueJob(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error
	CancelJob(id uuid.UUID) error
	RecordOutcome(outcome *domain.DeliveryOutcome) error
}

// RecipientHealthStore tracks per-remote delivery health so persistently
// dead recipients can be pruned.
type RecipientHealthStore interface {
	RemoteAccountByInbox(inboxURI string) (*domain.RemoteAccount, error)
	BumpDeliveryFailures(id uuid.UUID) (int, error)
	ResetDeliveryFailures(id uuid.UUID) error
	DeleteFollowsByRemoteAccount(id uuid.UUID) error
}

// Retry ladder in minutes, indexed by completed attempts. Later entries
// repeat the last rung.
var backoffLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// SchedulerConfig carries the tunables the scheduler needs.
type SchedulerConfig struct {
	Domain       string
	Standard     string // signature standard for outgoing requests
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	// Consecutive permanent failures before a remote actor is considered
	// unreachable and its follow relations are dropped.
	UnreachableThreshold int
}

// Scheduler drains the delivery queue: it claims due jobs, signs and
// posts each activity to its inbox, and classifies the result into
// success, retry with backoff, or terminal failure.
type Scheduler struct {
	jobs     JobStore
	health   RecipientHealthStore
	accounts AccountStore
	engine   *httpsig.Engine
	client   *http.Client
	conf     SchedulerConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(jobs JobStore, health RecipientHealthStore, accounts AccountStore, engine *httpsig.Engine, conf SchedulerConfig) *Scheduler {
	if conf.Workers <= 0 {
		conf.Workers = 4
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 15 * time.Second
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 10
	}
	if conf.UnreachableThreshold <= 0 {
		conf.UnreachableThreshold = 5
	}
	return &Scheduler{
		jobs:     jobs,
		health:   health,
		accounts: accounts,
		engine:   engine,
		client:   &http.Client{Timeout: 30 * time.Second},
		conf:     conf,
		quit:     make(chan struct{}),
	}
}

// Start launches the polling loop. Stop waits for in-flight attempts.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Info("Delivery scheduler started", "workers", s.conf.Workers,
		"poll", s.conf.PollInterval, "max_attempts", s.conf.MaxAttempts)
}

func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// Cancel withdraws a queued or claimed job. An already claimed job
// finishes its current attempt, but the attempt's result cannot
// reschedule a cancelled job.
func (s *Scheduler) Cancel(jobId uuid.UUID) error {
	return s.jobs.CancelJob(jobId)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.ProcessDue()
		}
	}
}

// ProcessDue claims everything currently due and runs the attempts on a
// bounded worker pool. Exported so tests and callers can drive the queue
// without waiting on the poll ticker.
func (s *Scheduler) ProcessDue() {
	jobs, err := s.jobs.ClaimDueJobs(time.Now(), 100)
	if err != nil {
		log.Error("Failed to claim due jobs", "err", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, s.conf.Workers)
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job domain.DeliveryJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.attempt(job)
		}(jobs[i])
	}
	wg.Wait()
}

func (s *Scheduler) attempt(job domain.DeliveryJob) {
	status, err := s.deliver(&job)

	switch classify(status, err) {
	case resultSuccess:
		if err := s.jobs.MarkJob(job.Id, domain.JobSucceeded, ""); err != nil {
			log.Error("Failed to mark job succeeded", "job", job.Id, "err", err)
		}
		s.recordOutcome(&job, domain.OutcomeSucceeded, status, "")
		s.noteReachable(job.InboxURI)
		log.Debug("Delivered activity", "activity", job.ActivityURI, "inbox", job.InboxURI)

	case resultPermanent:
		detail := fmt.Sprintf("status %d", status)
		if err := s.jobs.MarkJob(job.Id, domain.JobFailed, detail); err != nil {
			log.Error("Failed to mark job failed", "job", job.Id, "err", err)
		}
		s.recordOutcome(&job, domain.OutcomePermanent, status, detail)
		s.noteUnreachable(job.InboxURI)
		log.Warn("Delivery rejected", "activity", job.ActivityURI, "inbox", job.InboxURI, "status", status)

	case resultLocalError:
		// Nothing was sent, so the recipient's health is untouched.
		detail := err.Error()
		if err := s.jobs.MarkJob(job.Id, domain.JobFailed, detail); err != nil {
			log.Error("Failed to mark job failed", "job", job.Id, "err", err)
		}
		s.recordOutcome(&job, domain.OutcomePermanent, 0, detail)
		log.Error("Delivery job unsignable", "activity", job.ActivityURI, "inbox", job.InboxURI, "err", err)

	case resultTransient:
		detail := fmt.Sprintf("status %d", status)
		if err != nil {
			detail = err.Error()
		}
		attempts := job.Attempts + 1
		if attempts >= s.conf.MaxAttempts {
			if err := s.jobs.MarkJob(job.Id, domain.JobExhausted, detail); err != nil {
				log.Error("Failed to mark job exhausted", "job", job.Id, "err", err)
			}
			s.recordOutcome(&job, domain.OutcomeExhausted, status, detail)
			s.noteUnreachable(job.InboxURI)
			log.Warn("Delivery exhausted", "activity", job.ActivityURI, "inbox", job.InboxURI,
				"attempts", attempts)
			return
		}
		next := time.Now().Add(backoff(attempts))
		if err := s.jobs.RequeueJob(job.Id, attempts, next, detail); err != nil {
			log.Error("Failed to requeue job", "job", job.Id, "err", err)
		}
		log.Debug("Delivery retry scheduled", "activity", job.ActivityURI, "inbox", job.InboxURI,
			"attempt", attempts, "next", next)
	}
}

// errUnsignable marks jobs that fail before any request leaves the
// host: a broken local account or key, never the recipient's fault.
var errUnsignable = errors.New("activity cannot be signed")

// deliver signs the activity as its local author and posts it.
func (s *Scheduler) deliver(job *domain.DeliveryJob) (int, error) {
	account, priv, err := s.signingIdentity(job.ActivityJSON)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errUnsignable, err)
	}

	body := []byte(job.ActivityJSON)
	req, err := http.NewRequest(http.MethodPost, job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errUnsignable, err)
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)
	req.Header.Set("User-Agent", userAgent)

	signer := s.engine.ByName(s.conf.Standard)
	if err := signer.Sign(req, KeyID(s.conf.Domain, account.Username), priv, body); err != nil {
		return 0, fmt.Errorf("signing for %s: %w", job.InboxURI, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// signingIdentity finds the local account behind the activity's actor
// URI and parses its private key.
func (s *Scheduler) signingIdentity(activityJSON string) (*domain.Account, *rsa.PrivateKey, error) {
	var envelope struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal([]byte(activityJSON), &envelope); err != nil {
		return nil, nil, fmt.Errorf("unparseable activity: %w", err)
	}
	username := extractUsername(envelope.Actor)
	if username == "" {
		return nil, nil, fmt.Errorf("activity actor %q has no username", envelope.Actor)
	}
	account, err := s.accounts.AccountByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("no local account %q", username)
		}
		return nil, nil, err
	}
	priv, err := httpsig.ParsePrivateKey([]byte(account.WebPrivateKey))
	if err != nil {
		return nil, nil, fmt.Errorf("key for %q unparseable: %w", username, err)
	}
	return account, priv, nil
}

// noteReachable clears a recipient's failure streak after a success.
func (s *Scheduler) noteReachable(inboxURI string) {
	acc, err := s.health.RemoteAccountByInbox(inboxURI)
	if err != nil {
		return
	}
	if acc.DeliveryFailures > 0 {
		if err := s.health.ResetDeliveryFailures(acc.Id); err != nil {
			log.Error("Failed to reset delivery failures", "actor", acc.ActorURI, "err", err)
		}
	}
}

// noteUnreachable bumps a recipient's failure streak; at the threshold
// its follow relations are dropped so dead servers stop consuming
// delivery attempts.
func (s *Scheduler) noteUnreachable(inboxURI string) {
	acc, err := s.health.RemoteAccountByInbox(inboxURI)
	if err != nil {
		return
	}
	failures, err := s.health.BumpDeliveryFailures(acc.Id)
	if err != nil {
		log.Error("Failed to bump delivery failures", "actor", acc.ActorURI, "err", err)
		return
	}
	if failures >= s.conf.UnreachableThreshold {
		log.Warn("Remote actor unreachable, dropping follow relations",
			"actor", acc.ActorURI, "failures", failures)
		if err := s.health.DeleteFollowsByRemoteAccount(acc.Id); err != nil {
			log.Error("Failed to drop follow relations", "actor", acc.ActorURI, "err", err)
		}
	}
}

type deliveryResult int

const (
	resultSuccess deliveryResult = iota
	resultTransient
	resultPermanent
	resultLocalError
)

// classify maps an attempt's outcome to its handling. Network errors and
// 5xx (plus 429) retry; other 4xx are rejections that will not improve.
// Local signing failures are terminal but say nothing about the
// recipient.
func classify(status int, err error) deliveryResult {
	switch {
	case errors.Is(err, errUnsignable):
		return resultLocalError
	case err != nil:
		return resultTransient
	case status >= 200 && status <= 299:
		return resultSuccess
	case status == http.StatusTooManyRequests:
		return resultTransient
	case status >= 400 && status <= 499:
		return resultPermanent
	default:
		return resultTransient
	}
}

// backoff returns the delay before the next attempt, jittered +/-20% so
// retries against one host spread out.
func backoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	base := backoffLadder[idx]
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func (s *Scheduler) recordOutcome(job *domain.DeliveryJob, result string, status int, detail string) {
	outcome := &domain.DeliveryOutcome{
		Id:          uuid.New(),
		JobId:       job.Id,
		ActivityURI: job.ActivityURI,
		InboxURI:    job.InboxURI,
		Result:      result,
		StatusCode:  status,
		Detail:      detail,
		CreatedAt:   time.Now(),
	}
	if err := s.jobs.RecordOutcome(outcome); err != nil {
		log.Error("Failed to record delivery outcome", "job", job.Id, "err", err)
	}
}
