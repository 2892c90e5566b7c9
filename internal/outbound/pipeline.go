package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/platformlogs"
	"github.com/rakunlabs/gatekit/internal/service"
)

// Adapters is the subset of the Platform Registry the outbound pipeline
// needs: resolving and auto-connecting an adapter by platform name.
type Adapters interface {
	Get(platform string) (service.Adapter, bool)
	EnsureConnected(ctx context.Context, platform, connectionKey string, credentials map[string]any) (service.Adapter, error)
}

// Pipeline is the outbound worker pool: Accept enqueues, N goroutines
// drain the queue and run one job each at a time.
type Pipeline struct {
	messages  service.MessageStorer
	platforms service.PlatformConfigStorer
	adapters  Adapters
	events    service.EventEmitter
	logs      *platformlogs.Logger

	workers int
	queue   chan *job

	// backoffBase is BackoffBase in production; shrunk by tests.
	backoffBase time.Duration

	mu       sync.Mutex
	statuses map[string]*Status

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(messages service.MessageStorer, platforms service.PlatformConfigStorer, adapters Adapters, events service.EventEmitter, logs *platformlogs.Logger, workers int) *Pipeline {
	if workers < 1 {
		workers = 4
	}
	return &Pipeline{
		messages:    messages,
		platforms:   platforms,
		adapters:    adapters,
		events:      events,
		logs:        logs,
		workers:     workers,
		queue:       make(chan *job, 256),
		backoffBase: BackoffBase,
		statuses:    make(map[string]*Status),
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool; call Shutdown to drain and stop.
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
}

// Shutdown closes the queue to new jobs and waits for in-flight jobs to
// finish; workers complete the job they are on, then exit.
func (p *Pipeline) Shutdown(ctx context.Context) {
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Accept validates req, writes one pending SentMessage per target, and
// enqueues a job. Returns the generated jobId synchronously.
func (p *Pipeline) Accept(ctx context.Context, projectSlug, projectID string, req SendRequest) (string, error) {
	select {
	case <-p.stop:
		return "", fmt.Errorf("outbound pipeline is shut down")
	default:
	}
	if len(req.Targets) == 0 {
		return "", apperr.Validation("targets", "at least one target is required")
	}
	if req.Content.Text == "" && len(req.Content.Attachments) == 0 && len(req.Content.Embeds) == 0 {
		return "", apperr.Validation("content", "must carry at least one of text, attachments, or embeds")
	}

	jobID := ulid.Make().String()
	sentMessageIDs := make(map[string]string, len(req.Targets))

	for _, target := range req.Targets {
		row := service.SentMessage{
			ProjectID:        projectID,
			PlatformConfigID: target.PlatformConfigID,
			JobID:            jobID,
			TargetType:       service.TargetType(target.Type),
			TargetChatID:     target.ID,
			MessageText:      req.Content.Text,
			Status:           service.SentPending,
		}
		if content, err := json.Marshal(req.Content); err == nil {
			row.MessageContent = content
		}
		created, err := p.messages.CreateSentMessage(ctx, row)
		if err != nil {
			return "", fmt.Errorf("create sent message: %w", err)
		}
		sentMessageIDs[target.String()] = created.ID
	}

	data, _ := json.Marshal(req)
	p.mu.Lock()
	p.statuses[jobID] = &Status{
		ID:    jobID,
		State: StateQueued,
		Data:  StatusData{ProjectSlug: projectSlug, ProjectID: projectID, Message: data},
	}
	p.mu.Unlock()

	p.queue <- &job{ID: jobID, ProjectSlug: projectSlug, ProjectID: projectID, Request: req, Attempt: 1, sentMessageIDs: sentMessageIDs}

	return jobID, nil
}

// GetStatus returns the current Status of jobID, or nil if unknown.
func (p *Pipeline) GetStatus(jobID string) *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[jobID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Retry re-enqueues req under a fresh jobId; it never mutates the
// original SentMessage rows.
func (p *Pipeline) Retry(ctx context.Context, projectSlug, projectID string, original string) (string, error) {
	p.mu.Lock()
	s, ok := p.statuses[original]
	p.mu.Unlock()
	if !ok {
		return "", apperr.NotFound("job %q not found", original)
	}

	var req SendRequest
	if err := json.Unmarshal(s.Data.Message, &req); err != nil {
		return "", fmt.Errorf("decode original job payload: %w", err)
	}
	return p.Accept(ctx, projectSlug, projectID, req)
}

func (p *Pipeline) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.runJob(j)
		}
	}
}

func (p *Pipeline) runJob(j *job) {
	ctx := context.Background()
	now := time.Now().UTC()

	p.setStatus(j.ID, func(s *Status) {
		s.State = StateActive
		s.AttemptsMade = j.Attempt
		s.ProcessedOn = &now
	})

	// Permanent failures abort the job outright (no retry); transient
	// failures let the loop continue across remaining targets but still
	// cause the overall job to throw, triggering the backoff/retry policy.
	var permanentErr error
	var hadTransient bool
	for _, target := range j.Request.Targets {
		err := p.sendTarget(ctx, j, target)
		if err == nil {
			continue
		}
		var perm permanentError
		if errors.As(err, &perm) {
			permanentErr = err
			break
		}
		hadTransient = true
	}

	finished := time.Now().UTC()

	if permanentErr != nil {
		p.setStatus(j.ID, func(s *Status) {
			s.State = StateFailed
			s.FinishedOn = &finished
			s.Data.Error = permanentErr.Error()
		})
		return
	}

	if hadTransient {
		if j.Attempt < MaxAttempts {
			p.retryAfterBackoff(j)
			return
		}
		p.setStatus(j.ID, func(s *Status) {
			s.State = StateFailed
			s.FinishedOn = &finished
			s.Data.Error = "one or more targets failed after max attempts"
		})
		return
	}

	p.setStatus(j.ID, func(s *Status) {
		s.State = StateComplete
		s.FinishedOn = &finished
	})
}

func (p *Pipeline) retryAfterBackoff(j *job) {
	backoff := p.backoffBase * time.Duration(1<<uint(j.Attempt-1))
	timer := time.NewTimer(backoff)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			j.Attempt++
			select {
			case p.queue <- j:
			case <-p.stop:
			}
		case <-p.stop:
		}
	}()
}

// sendTarget delivers to one target: config load, adapter resolve,
// envelope build, send, status update.
func (p *Pipeline) sendTarget(ctx context.Context, j *job, target envelope.Target) error {
	cfg, err := p.platforms.GetPlatformConfig(ctx, target.PlatformConfigID)
	if err != nil || cfg == nil || !cfg.IsActive {
		sendErr := fmt.Errorf("Platform configuration not found or inactive for %q", target.PlatformConfigID)
		p.failTarget(ctx, j, target, sendErr)
		return permanentError{sendErr}
	}

	adapter, ok := p.adapters.Get(cfg.Platform)
	if !ok {
		sendErr := fmt.Errorf("Platform configuration: adapter %q not provided", cfg.Platform)
		p.failTarget(ctx, j, target, sendErr)
		return permanentError{sendErr}
	}

	creds, err := p.platforms.DecryptCredentials(ctx, *cfg)
	if err != nil {
		sendErr := fmt.Errorf("decrypt credentials: %w", err)
		p.failTarget(ctx, j, target, sendErr)
		return sendErr
	}

	connKey := envelope.ConnectionKey(cfg.ProjectID, cfg.ID)
	if _, err := p.adapters.EnsureConnected(ctx, cfg.Platform, connKey, creds); err != nil {
		p.failTarget(ctx, j, target, err)
		return err
	}

	env := envelope.New(cfg.Platform, cfg.ProjectID, cfg.ID)
	env.ThreadID = target.ID
	env.User = envelope.User{ProviderUserID: "system", Display: "System"}
	raw, _ := json.Marshal(map[string]any{"platformId": target.PlatformConfigID})
	env.Provider.Raw = raw

	reply := service.Reply{
		Text:        j.Request.Content.Text,
		Attachments: j.Request.Content.Attachments,
		Buttons:     j.Request.Content.Buttons,
		Embeds:      j.Request.Content.Embeds,
		ThreadID:    target.ID,
		ReplyTo:     j.Request.Options.ReplyTo,
		Silent:      j.Request.Options.Silent,
		Platform:    j.Request.Content.Platform,
	}

	result, err := adapter.SendMessage(ctx, connKey, env, reply)
	if err != nil {
		p.failTarget(ctx, j, target, err)
		if isPermanent(err) {
			return permanentError{err}
		}
		return err
	}

	sentAt := time.Now().UTC()
	if err := p.messages.UpdateSentMessageStatus(ctx, j.sentMessageIDs[target.String()], service.SentSent, result.ProviderMessageID, "", &sentAt); err != nil {
		slog.Error("update sent message status failed", "jobId", j.ID, "error", err)
	}
	if p.logs != nil {
		p.logs.LogMessage(ctx, cfg.ProjectID, cfg.ID, cfg.Platform, "message sent", map[string]any{"jobId": j.ID})
	}
	if p.events != nil {
		p.events.Emit(ctx, cfg.ProjectID, service.EventMessageSent, map[string]any{
			"jobId": j.ID, "target": target.String(), "providerMessageId": result.ProviderMessageID,
		})
	}
	return nil
}

func (p *Pipeline) failTarget(ctx context.Context, j *job, target envelope.Target, sendErr error) {
	if err := p.messages.UpdateSentMessageStatus(ctx, j.sentMessageIDs[target.String()], service.SentFailed, "", sendErr.Error(), nil); err != nil {
		slog.Error("update sent message status failed", "jobId", j.ID, "error", err)
	}
	if p.events != nil {
		p.events.Emit(ctx, j.ProjectID, service.EventMessageFailed, map[string]any{
			"jobId": j.ID, "target": target.String(), "error": sendErr.Error(),
		})
	}
}

func (p *Pipeline) setStatus(jobID string, mutate func(*Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.statuses[jobID]; ok {
		mutate(s)
	}
}

// permanentError marks a classified-permanent failure so runJob can abort
// the whole job without re-matching the error string a second time.
type permanentError struct{ cause error }

func (e permanentError) Error() string { return e.cause.Error() }
func (e permanentError) Unwrap() error { return e.cause }
