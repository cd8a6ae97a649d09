// queue.go
//
// Redis-backed outbound mail queue. QueuedMailer satisfies Mailer by pushing
// jobs onto a list; StartWorker pops them and hands each to the wrapped
// transport, retrying failed sends a bounded number of times before parking
// the job on a dead-letter list.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys used by the queue.
const (
	QueueKey      = "fatos:mail:queue"
	DeadLetterKey = "fatos:mail:dead"
)

const (
	// DefaultMaxQueueSize caps the pending list when the configured size is unset.
	DefaultMaxQueueSize int64 = 1000
	// MaxAttempts is the number of sends tried before a job is dead-lettered.
	MaxAttempts = 3
	// deadLetterKeep bounds the dead-letter list.
	deadLetterKeep = 100
	popTimeout     = 2 * time.Second
)

// ErrQueueFull is returned when the pending list has reached its cap.
var ErrQueueFull = errors.New("mail queue full")

// Job kinds.
const (
	kindPasswordReset     = "password_reset"
	kindEmailVerification = "email_verification"
	kindNotice            = "notice"
)

// Job is one queued message. Link jobs carry the raw token; notices carry
// subject and body.
type Job struct {
	Kind      string            `json:"kind"`
	To        string            `json:"to"`
	Token     string            `json:"token,omitempty"`
	TTL       time.Duration     `json:"ttl,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// QueuedMailer is a Mailer whose sends return once the job is stored in Redis.
type QueuedMailer struct {
	inner   Mailer
	rdb     *redis.Client
	maxSize int64
	log     *slog.Logger
}

// NewQueuedMailer wraps inner. maxSize <= 0 falls back to DefaultMaxQueueSize.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, log *slog.Logger) *QueuedMailer {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &QueuedMailer{inner: inner, rdb: rdb, maxSize: maxSize, log: log}
}

// pushScript appends ARGV[2] to KEYS[1] unless the list already holds
// ARGV[1] entries. Returns 1 when pushed.
var pushScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.push(ctx, Job{Kind: kindPasswordReset, To: toEmail, Token: token, TTL: expiresIn, Vars: vars})
}

func (q *QueuedMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.push(ctx, Job{Kind: kindEmailVerification, To: toEmail, Token: token, TTL: expiresIn, Vars: vars})
}

func (q *QueuedMailer) Send(ctx context.Context, toEmail, subject, body string) error {
	return q.push(ctx, Job{Kind: kindNotice, To: toEmail, Subject: subject, Body: body})
}

// Pending returns the number of jobs waiting to be sent.
func (q *QueuedMailer) Pending(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

func (q *QueuedMailer) push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding mail job: %w", err)
	}
	pushed, err := pushScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxSize, data).Int64()
	if err != nil {
		return fmt.Errorf("queueing mail job: %w", err)
	}
	if pushed == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker pops and delivers jobs until ctx is cancelled. Run it in its own goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	q.log.Info("mail worker started", "queue", QueueKey)
	defer q.log.Info("mail worker stopped")

	for {
		res, err := q.rdb.BLPop(ctx, popTimeout, QueueKey).Result()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			q.log.Error("mail worker: pop failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		// res is [key, payload].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error("mail worker: dropping undecodable job", "error", err)
			continue
		}
		q.process(ctx, job)
	}
}

// process delivers job and, on failure, either requeues it or dead-letters it.
func (q *QueuedMailer) process(ctx context.Context, job Job) {
	err := q.deliver(ctx, job)
	if err == nil {
		return
	}
	job.Attempts++
	job.LastError = err.Error()
	log := q.log.With("kind", job.Kind, "attempts", job.Attempts, "error", err)

	if errors.Is(err, errUnknownKind) || job.Attempts >= MaxAttempts {
		log.Error("mail worker: giving up on job")
		q.bury(ctx, job)
		return
	}
	log.Warn("mail worker: send failed, requeueing")
	data, mErr := json.Marshal(job)
	if mErr != nil {
		return
	}
	// Retries skip the size cap: the job was already admitted once.
	if rErr := q.rdb.RPush(ctx, QueueKey, data).Err(); rErr != nil {
		log.Error("mail worker: requeue failed", "requeue_error", rErr)
	}
}

var errUnknownKind = errors.New("unknown mail job kind")

func (q *QueuedMailer) deliver(ctx context.Context, job Job) error {
	switch job.Kind {
	case kindPasswordReset:
		return q.inner.SendPasswordReset(ctx, job.To, job.Token, job.TTL, job.Vars)
	case kindEmailVerification:
		return q.inner.SendEmailVerification(ctx, job.To, job.Token, job.TTL, job.Vars)
	case kindNotice:
		return q.inner.Send(ctx, job.To, job.Subject, job.Body)
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, job.Kind)
	}
}

// bury parks job on the bounded dead-letter list with its token stripped.
func (q *QueuedMailer) bury(ctx context.Context, job Job) {
	job.Token = ""
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, DeadLetterKey, data)
	pipe.LTrim(ctx, DeadLetterKey, 0, deadLetterKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("mail worker: dead-letter write failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
