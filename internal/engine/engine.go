// Package engine implements queue ordering and the token lifecycle: issuing
// tokens, calling the next one, serving, cancelling and skipping, with
// per-queue serialization of every mutation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "qms/queue-engine/engine"
	recomputeTimeout = 10 * time.Second
)

// Notifier delivers customer notifications. Calls are fire-and-forget.
type Notifier interface {
	NotifyTokenCreated(ctx context.Context, token models.Token) error
	NotifyTokenCalled(ctx context.Context, token models.Token, ownerID string) error
}

// Publisher accepts events for asynchronous delivery; *events.Emitter is one.
type Publisher interface {
	Emit(events ...events.Event)
}

type Options struct {
	RecomputeAttempts int
	RecomputeBackoff  time.Duration
	NotifyTimeout     time.Duration
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

type Engine struct {
	store     store.TokenStore
	publisher Publisher
	notifier  Notifier
	locks     *queueLocks
	logger    logrus.FieldLogger
	tracer    trace.Tracer
	now       func() time.Time

	recomputeAttempts int
	recomputeBackoff  time.Duration
	notifyTimeout     time.Duration

	inflight sync.WaitGroup
}

type IssueInput struct {
	QueueID  string
	Priority string
	UserID   string
}

// CancelInput identifies who asks for the cancellation. Elevated is decided
// by the caller's authorization layer.
type CancelInput struct {
	TokenID     string
	RequesterID string
	Elevated    bool
}

func New(st store.TokenStore, publisher Publisher, notifier Notifier, options Options) *Engine {
	attempts := options.RecomputeAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := options.RecomputeBackoff
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	notifyTimeout := options.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:             st,
		publisher:         publisher,
		notifier:          notifier,
		locks:             newQueueLocks(),
		logger:            logger,
		tracer:            otel.Tracer(tracerName),
		now:               now,
		recomputeAttempts: attempts,
		recomputeBackoff:  delay,
		notifyTimeout:     notifyTimeout,
	}
}

// Close waits for in-flight notifications to finish.
func (e *Engine) Close() {
	e.inflight.Wait()
}

func (e *Engine) IssueToken(ctx context.Context, input IssueInput) (models.Token, error) {
	ctx, span := e.tracer.Start(ctx, "engine.IssueToken", trace.WithAttributes(
		attribute.String("queue.id", input.QueueID),
		attribute.String("token.priority", input.Priority),
	))
	defer span.End()

	st, unlock, err := e.lockQueue(ctx, input.QueueID)
	if err != nil {
		return models.Token{}, fail(span, err)
	}
	defer unlock()
	token, err := e.issueLocked(ctx, st, input)
	if err != nil {
		return models.Token{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("token.id", token.ID), attribute.Int("token.position", token.Position))

	e.emit(
		e.tokenEvent(events.QueueChannel(token.QueueID), events.TypeTokenAdded, token),
		e.tokenEvent(events.OrgChannel(token.OrganisationID), events.TypeTokenAdded, token),
	)
	e.dispatch("token_created", token, func(ctx context.Context) error {
		return e.notifier.NotifyTokenCreated(ctx, token)
	})
	return token, nil
}

func (e *Engine) issueLocked(ctx context.Context, st store.TokenStore, input IssueInput) (models.Token, error) {
	queue, err := st.GetQueue(ctx, input.QueueID)
	if err != nil {
		return models.Token{}, storageError(err)
	}
	if !queue.IsActive {
		return models.Token{}, store.ErrQueueInactive
	}
	if queue.MaxTokens != nil {
		active, err := st.CountTokens(ctx, queue.ID, models.StatusPending, models.StatusCalled)
		if err != nil {
			return models.Token{}, storageError(err)
		}
		if active >= *queue.MaxTokens {
			return models.Token{}, store.ErrQueueAtCapacity
		}
	}

	issued, err := st.CountTokens(ctx, queue.ID)
	if err != nil {
		return models.Token{}, storageError(err)
	}

	token := models.Token{
		ID:             uuid.NewString(),
		DisplayID:      models.FormatDisplayID(queue.Name, issued+1),
		QueueID:        queue.ID,
		OrganisationID: queue.OrganisationID,
		Status:         models.StatusPending,
		Priority:       models.NormalizePriority(input.Priority),
		IssuedAt:       e.timestamp(),
	}
	if input.UserID != "" {
		token.UserID = store.StringPtr(input.UserID)
	}

	position, err := NewPositionEngine(st).ComputeInsertionPosition(ctx, queue.ID, token)
	if err != nil {
		return models.Token{}, storageError(err)
	}
	token.Position = position
	token.EstimatedWaitMinutes = position * queue.AverageMinutes()

	created, err := st.CreateToken(ctx, token)
	if err != nil {
		return models.Token{}, storageError(err)
	}
	return created, nil
}

func (e *Engine) CallNext(ctx context.Context, queueID, staffID string) (models.Token, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CallNext", trace.WithAttributes(
		attribute.String("queue.id", queueID),
	))
	defer span.End()

	st, unlock, err := e.lockQueue(ctx, queueID)
	if err != nil {
		return models.Token{}, fail(span, err)
	}
	defer unlock()
	queue, called, remaining, err := e.callNextLocked(ctx, st, queueID, staffID)
	if err != nil {
		return models.Token{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("token.id", called.ID))

	batch := []events.Event{
		e.tokenEvent(events.TokenChannel(called.ID), events.TypeTokenCalled, called),
		e.tokenEvent(events.QueueChannel(called.QueueID), events.TypeTokenCalled, called),
	}
	batch = append(batch, e.positionEvents(queue, remaining)...)
	e.emit(batch...)

	if called.UserID != nil {
		owner := *called.UserID
		e.dispatch("token_called", called, func(ctx context.Context) error {
			return e.notifier.NotifyTokenCalled(ctx, called, owner)
		})
	}
	return called, nil
}

func (e *Engine) callNextLocked(ctx context.Context, st store.TokenStore, queueID, staffID string) (models.Queue, models.Token, []models.Token, error) {
	queue, err := st.GetQueue(ctx, queueID)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, storageError(err)
	}
	pending, err := st.ListPending(ctx, queueID)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, storageError(err)
	}
	if len(pending) == 0 {
		return models.Queue{}, models.Token{}, nil, store.ErrNoPendingTokens
	}
	SortTokens(pending)
	next := pending[0]

	update, err := transitionUpdate(store.ActionCall, next)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, err
	}
	update.CalledAt = store.TimePtr(e.timestamp())
	if staffID != "" {
		update.CallerID = store.StringPtr(staffID)
	}
	called, err := st.UpdateToken(ctx, next.ID, update)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, storageError(err)
	}

	remaining := e.recompute(ctx, st, queueID)
	return queue, called, remaining, nil
}

func (e *Engine) MarkServed(ctx context.Context, tokenID, staffID string) (models.Token, error) {
	return e.transition(ctx, tokenID, transitionRule{
		action:    store.ActionServe,
		eventType: events.TypeTokenServed,
		apply: func(token models.Token, now time.Time, update *store.TokenUpdate) {
			update.ServedAt = &now
			if staffID != "" && (token.CallerID == nil || *token.CallerID != staffID) {
				update.CallerID = store.StringPtr(staffID)
			}
		},
	})
}

func (e *Engine) CancelToken(ctx context.Context, input CancelInput) (models.Token, error) {
	return e.transition(ctx, input.TokenID, transitionRule{
		action:    store.ActionCancel,
		eventType: events.TypeTokenCancelled,
		authorize: func(token models.Token) error {
			if input.Elevated {
				return nil
			}
			if token.UserID != nil && input.RequesterID != "" && *token.UserID == input.RequesterID {
				return nil
			}
			return store.ErrForbidden
		},
		apply: func(token models.Token, now time.Time, update *store.TokenUpdate) {
			update.CancelledAt = &now
		},
	})
}

func (e *Engine) MarkMissed(ctx context.Context, tokenID string) (models.Token, error) {
	return e.transition(ctx, tokenID, transitionRule{
		action:    store.ActionSkip,
		eventType: events.TypeTokenMissed,
		apply: func(token models.Token, now time.Time, update *store.TokenUpdate) {
			update.MissedAt = &now
		},
	})
}

// SweepMissed marks tokens that were called more than grace ago and never
// served as missed. It returns how many tokens it moved.
func (e *Engine) SweepMissed(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	stale, err := e.store.ListStaleCalled(ctx, e.now().UTC().Add(-grace), batchSize)
	if err != nil {
		return 0, storageError(err)
	}
	processed := 0
	for _, token := range stale {
		if _, err := e.MarkMissed(ctx, token.ID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrTokenNotFound) {
				continue
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (e *Engine) PauseQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return e.setQueueActive(ctx, queueID, false)
}

func (e *Engine) ResumeQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return e.setQueueActive(ctx, queueID, true)
}

func (e *Engine) setQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SetQueueActive", trace.WithAttributes(
		attribute.String("queue.id", queueID),
		attribute.Bool("queue.active", active),
	))
	defer span.End()

	st, unlock, err := e.lockQueue(ctx, queueID)
	if err != nil {
		return models.Queue{}, fail(span, err)
	}
	defer unlock()
	queue, err := st.SetQueueActive(ctx, queueID, active)
	if err != nil {
		return models.Queue{}, fail(span, storageError(err))
	}

	eventType := events.TypeQueuePaused
	if active {
		eventType = events.TypeQueueResumed
	}
	now := e.timestamp()
	e.emit(
		events.Event{Channel: events.QueueChannel(queue.ID), Type: eventType, OrganisationID: queue.OrganisationID, Payload: queue, CreatedAt: now},
		events.Event{Channel: events.OrgChannel(queue.OrganisationID), Type: eventType, OrganisationID: queue.OrganisationID, Payload: queue, CreatedAt: now},
	)
	return queue, nil
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, storageError(err)
	}
	return token, nil
}

// ListWaiting returns the queue's pending tokens in service order. It reads
// without the queue lock, so stored positions may lag a concurrent mutation.
func (e *Engine) ListWaiting(ctx context.Context, queueID string) ([]models.Token, error) {
	if _, err := e.store.GetQueue(ctx, queueID); err != nil {
		return nil, storageError(err)
	}
	pending, err := e.store.ListPending(ctx, queueID)
	if err != nil {
		return nil, storageError(err)
	}
	SortTokens(pending)
	return pending, nil
}

type transitionRule struct {
	action    string
	eventType string
	authorize func(token models.Token) error
	apply     func(token models.Token, now time.Time, update *store.TokenUpdate)
}

func (e *Engine) transition(ctx context.Context, tokenID string, rule transitionRule) (models.Token, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+rule.action, trace.WithAttributes(
		attribute.String("token.id", tokenID),
	))
	defer span.End()

	current, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, fail(span, storageError(err))
	}
	span.SetAttributes(attribute.String("queue.id", current.QueueID))

	st, unlock, err := e.lockQueue(ctx, current.QueueID)
	if err != nil {
		return models.Token{}, fail(span, err)
	}
	defer unlock()
	queue, updated, remaining, err := e.transitionLocked(ctx, st, tokenID, rule)
	if err != nil {
		return models.Token{}, fail(span, err)
	}

	batch := []events.Event{
		e.tokenEvent(events.TokenChannel(updated.ID), rule.eventType, updated),
		e.tokenEvent(events.QueueChannel(updated.QueueID), rule.eventType, updated),
	}
	batch = append(batch, e.positionEvents(queue, remaining)...)
	e.emit(batch...)
	return updated, nil
}

func (e *Engine) transitionLocked(ctx context.Context, st store.TokenStore, tokenID string, rule transitionRule) (models.Queue, models.Token, []models.Token, error) {
	current, err := st.GetToken(ctx, tokenID)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, storageError(err)
	}
	if rule.authorize != nil {
		if err := rule.authorize(current); err != nil {
			return models.Queue{}, models.Token{}, nil, err
		}
	}
	update, err := transitionUpdate(rule.action, current)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, err
	}

	leavesPending := current.Status == models.StatusPending
	var queue models.Queue
	if leavesPending {
		queue, err = st.GetQueue(ctx, current.QueueID)
		if err != nil {
			return models.Queue{}, models.Token{}, nil, storageError(err)
		}
	}

	rule.apply(current, e.timestamp(), &update)
	updated, err := st.UpdateToken(ctx, tokenID, update)
	if err != nil {
		return models.Queue{}, models.Token{}, nil, storageError(err)
	}

	var remaining []models.Token
	if leavesPending {
		remaining = e.recompute(ctx, st, current.QueueID)
	}
	return queue, updated, remaining, nil
}

// transitionUpdate checks action against the transition table and returns
// the guarded status change for token.
func transitionUpdate(action string, token models.Token) (store.TokenUpdate, error) {
	if !store.ValidTransition(action, token.Status) {
		return store.TokenUpdate{}, fmt.Errorf("%w: %s from %s", store.ErrInvalidTransition, action, token.Status)
	}
	target, _ := store.TargetStatus(action)
	return store.TokenUpdate{
		FromStatus: token.Status,
		Status:     store.StringPtr(target),
	}, nil
}

// recompute renumbers pending positions after a committed removal. Failures
// are retried with backoff and, if they persist, logged: the transition that
// triggered it stands either way.
func (e *Engine) recompute(ctx context.Context, st store.TokenStore, queueID string) []models.Token {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recomputeTimeout)
	defer cancel()
	positions := NewPositionEngine(st)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.recomputeBackoff
	policy.MaxInterval = time.Second

	attempt := 0
	tokens, err := backoff.Retry(ctx, func() ([]models.Token, error) {
		attempt++
		tokens, err := positions.RecomputePositions(ctx, queueID)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"queue_id": queueID,
				"attempt":  attempt,
			}).Warn("recompute positions attempt failed")
		}
		return tokens, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.recomputeAttempts)))
	if err != nil {
		e.logger.WithError(err).WithField("queue_id", queueID).Error("recompute positions failed")
		return nil
	}
	return tokens
}

// lockQueue serializes mutations of queueID and returns the store to use
// until the returned func is called. Callers emit their events before
// releasing, so a queue's events leave in commit order.
func (e *Engine) lockQueue(ctx context.Context, queueID string) (store.TokenStore, func(), error) {
	release := e.locks.lock(queueID)
	locker, ok := e.store.(store.QueueLocker)
	if !ok {
		return e.store, release, nil
	}
	st, unlockStore, err := locker.LockQueue(ctx, queueID)
	if err != nil {
		release()
		return nil, nil, storageError(err)
	}
	return st, func() {
		unlockStore()
		release()
	}, nil
}

func (e *Engine) positionEvents(queue models.Queue, tokens []models.Token) []events.Event {
	if len(tokens) == 0 {
		return nil
	}
	now := e.timestamp()
	out := make([]events.Event, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, events.Event{
			Channel:        events.TokenChannel(token.ID),
			Type:           events.TypePositionUpdate,
			OrganisationID: token.OrganisationID,
			Payload: events.PositionUpdate{
				TokenID:              token.ID,
				DisplayID:            token.DisplayID,
				QueueID:              token.QueueID,
				Position:             token.Position,
				EstimatedWaitMinutes: token.Position * queue.AverageMinutes(),
			},
			CreatedAt: now,
		})
	}
	return out
}

func (e *Engine) tokenEvent(channel, eventType string, token models.Token) events.Event {
	return events.Event{
		Channel:        channel,
		Type:           eventType,
		OrganisationID: token.OrganisationID,
		Payload:        token,
		CreatedAt:      e.timestamp(),
	}
}

func (e *Engine) emit(batch ...events.Event) {
	if e.publisher == nil || len(batch) == 0 {
		return
	}
	e.publisher.Emit(batch...)
}

func (e *Engine) dispatch(kind string, token models.Token, send func(ctx context.Context) error) {
	if e.notifier == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"notification": kind,
				"token_id":     token.ID,
				"queue_id":     token.QueueID,
			}).Warn("notification failed")
		}
	}()
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// storageError keeps domain errors as they are and classifies anything else
// coming from the store as an infrastructure failure.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if store.IsDomainError(err) || errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrStorageUnavailable, err)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
