// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConverse/services/router/agent"
	"github.com/AleutianAI/AleutianConverse/services/router/cache"
	"github.com/AleutianAI/AleutianConverse/services/router/classifier"
	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
	"github.com/AleutianAI/AleutianConverse/services/router/observability"
	"github.com/AleutianAI/AleutianConverse/services/router/storage"
	"github.com/AleutianAI/AleutianConverse/services/router/tasks"
)

// routerTracer is the OpenTelemetry tracer for routing operations.
var routerTracer = otel.Tracer("converse.router")

// handoverAck is sent while a human operator owns the conversation.
const handoverAck = "You're in the queue for one of our agents. They'll pick up this conversation shortly."

// casRetries bounds optimistic-concurrency retries on the final commit.
const casRetries = 2

// ErrSessionBusy is returned when concurrent writers exhausted the commit
// retries. The client should resend the message.
var ErrSessionBusy = errors.New("session is being updated concurrently, retry")

// Request is one inbound user message.
type Request struct {
	// SessionID resumes an existing session; empty starts a new one.
	SessionID string `json:"session_id"`

	TenantID     string `json:"tenant_id"`
	BotID        string `json:"bot_id"`
	BotVersionID string `json:"bot_version_id"`
	Channel      string `json:"channel"`
	Message      string `json:"message"`
}

// Response is the routed reply.
type Response struct {
	SessionID string                   `json:"session_id"`
	Reply     string                   `json:"reply"`
	Tier      datatypes.Tier           `json:"tier"`
	State     datatypes.LifecycleState `json:"state"`
	Intent    datatypes.Intent         `json:"intent,omitempty"`
	UIPayload map[string]any           `json:"ui_payload,omitempty"`

	// Cached is true when the reply came from the semantic cache.
	Cached bool `json:"cached,omitempty"`

	Usage datatypes.TokenUsage `json:"usage"`
}

// Deps carries everything the service needs. Explicit construction, no
// package-level state: two Services in one process never interfere.
type Deps struct {
	Store      storage.Repository
	Machine    *flow.StateMachine
	Decisions  *flow.DecisionService
	Classifier *classifier.IntentClassifier
	Cache      *cache.SemanticCache
	Loop       *agent.Loop
	Pool       *tasks.Pool
	Metrics    *observability.Metrics
	Config     Config
}

// Service is the tiered message router.
//
// # Description
//
// HandleMessage walks the tiers cheapest-first: handover bypass, fast
// pattern replies, the semantic cache, and finally the full agentic loop.
// Whatever tier answers, the user turn, bot turn, decision event, slot
// writes, and session update commit as one atomic unit; a version
// conflict re-reads the session and retries the commit.
//
// # Thread Safety
//
// Service is safe for concurrent use, including concurrent messages for
// the same session; optimistic concurrency ensures exactly one of two
// racing updates wins.
type Service struct {
	store      storage.Repository
	machine    *flow.StateMachine
	decisions  *flow.DecisionService
	classifier *classifier.IntentClassifier
	cache      *cache.SemanticCache
	loop       *agent.Loop
	pool       *tasks.Pool
	metrics    *observability.Metrics
	cfg        Config

	// cacheSkip holds the states in which the knowledge tier is bypassed.
	cacheSkip map[datatypes.LifecycleState]bool
}

// NewService validates deps and wires the discard metric.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Machine == nil || deps.Decisions == nil ||
		deps.Classifier == nil || deps.Cache == nil || deps.Loop == nil {
		return nil, fmt.Errorf("store, machine, decisions, classifier, cache, and loop are required")
	}
	s := &Service{
		store:      deps.Store,
		machine:    deps.Machine,
		decisions:  deps.Decisions,
		classifier: deps.Classifier,
		cache:      deps.Cache,
		loop:       deps.Loop,
		pool:       deps.Pool,
		metrics:    deps.Metrics,
		cfg:        deps.Config,
		cacheSkip:  deps.Config.CacheSkipStates(),
	}
	if s.metrics != nil {
		deps.Decisions.SetDiscardHook(func(from, to datatypes.LifecycleState) {
			s.metrics.TransitionDiscarded(string(from), string(to))
		})
	}
	return s, nil
}

// HandleMessage routes one user message through the tiers.
func (s *Service) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	ctx, span := routerTracer.Start(ctx, "HandleMessage", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("bot.id", req.BotID),
	))
	defer span.End()

	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	session, err := s.loadOrCreateSession(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session load failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", session.ID))

	resp, err := s.route(ctx, req, session, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		s.observe(datatypes.TierAgentic, "error", started)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("route.tier", string(resp.Tier)),
		attribute.String("session.state", string(resp.State)),
	)
	return resp, nil
}

func (s *Service) route(ctx context.Context, req Request, session *datatypes.Session, started time.Time) (*Response, error) {
	// Handover is absorbing: nothing is classified, nothing executes,
	// nothing transitions until an operator resumes the session.
	if session.State.IsAbsorbing() {
		return s.finishSimple(ctx, req, session, handoverAck, datatypes.TierHandover, "handover_hold", started)
	}

	// Fast patterns are muted mid-purchase: a canned acknowledgement must
	// never pre-empt an order turn.
	if session.State != datatypes.StatePurchasing {
		if reply, rule, ok := matchFast(req.Message); ok {
			return s.finishSimple(ctx, req, session, reply, datatypes.TierFast, "pattern:"+rule, started)
		}
	}

	// The knowledge tier is bypassed in the configured mid-flow states: a
	// cached answer must never stand in for an order confirmation.
	var suggestion *cache.Suggestion
	if !s.cacheSkip[session.State] {
		lookup, err := s.cache.Lookup(ctx, req.TenantID, req.BotVersionID, req.Message)
		if err != nil {
			slog.Warn("Cache lookup failed, continuing without it", slog.Any("error", err))
		}
		if lookup.Hit != nil {
			s.countCache(string(lookup.Hit.Source))
			s.recordCacheHit(req, req.Message)
			resp, err := s.finishSimple(ctx, req, session, lookup.Hit.Answer, datatypes.TierKnowledge, "cache_hit", started)
			if resp != nil {
				resp.Cached = true
			}
			return resp, err
		}
		if lookup.Suggestion != nil {
			// In the quiet states a weaker FAQ match is still served as a
			// knowledge answer. Elsewhere it only seeds the agent prompt.
			if session.State == datatypes.StateIdle || session.State == datatypes.StateBrowsing {
				s.countCache("faq_match")
				s.recordCacheHit(req, lookup.Suggestion.Question)
				resp, err := s.finishSimple(ctx, req, session, lookup.Suggestion.Answer, datatypes.TierKnowledge, "faq_match", started)
				if resp != nil {
					resp.Cached = true
				}
				return resp, err
			}
			s.countCache("suggestion")
			suggestion = lookup.Suggestion
		} else {
			s.countCache("miss")
		}
	}

	classification, err := s.classifier.Classify(ctx, req.Message)
	if err != nil {
		return nil, fmt.Errorf("classifying intent: %w", err)
	}

	history, err := s.recentHistory(ctx, req.TenantID, session.ID)
	if err != nil {
		slog.Warn("Failed to load history, continuing without it", slog.Any("error", err))
	}
	slots, err := s.activeSlots(ctx, session)
	if err != nil {
		slog.Warn("Failed to load slots, continuing without them", slog.Any("error", err))
	}

	outcome, err := s.loop.Run(ctx, agent.Input{
		Session:    session,
		Intent:     classification.Intent,
		Message:    req.Message,
		History:    history,
		Slots:      slots,
		Suggestion: suggestion,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning loop: %w", err)
	}

	usage := classification.Usage
	usage.Add(outcome.Usage)

	event := datatypes.NewDecisionEvent(session.ID, req.TenantID, datatypes.TierAgentic, agentOutcomeLabel(outcome))
	event.Reason = fmt.Sprintf("intent=%s tool_calls=%d last_action=%s",
		classification.Intent, outcome.ToolCalls, outcome.LastAction)
	event.Usage = usage
	event.EstimatedCostUSD = s.cfg.EstimateCostUSD(usage.PromptTokens, usage.CompletionTokens)
	event.Latency = time.Since(started)

	if err := s.commit(ctx, session, req.Message, outcome.Reply, outcome.UIPayload, outcome.NextState, outcome.SlotProposals, event); err != nil {
		return nil, err
	}

	s.observe(datatypes.TierAgentic, event.Outcome, started)
	if s.metrics != nil {
		s.metrics.AddTokens(string(datatypes.TierAgentic), usage.PromptTokens, usage.CompletionTokens)
	}
	s.maybeWarmCache(req, outcome)

	return &Response{
		SessionID: session.ID,
		Reply:     outcome.Reply,
		Tier:      datatypes.TierAgentic,
		State:     session.State,
		Intent:    classification.Intent,
		UIPayload: outcome.UIPayload,
		Usage:     usage,
	}, nil
}

// Resume releases a session from handover back to idle. Only an operator
// surface calls this.
func (s *Service) Resume(ctx context.Context, tenantID, sessionID string) (*datatypes.Session, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.State.IsAbsorbing() {
		return nil, fmt.Errorf("session %s is not in handover (state %s)", sessionID, session.State)
	}
	session.State = datatypes.StateIdle
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("Session resumed from handover",
		slog.String("session_id", sessionID), slog.String("tenant_id", tenantID))
	return session, nil
}

// Handover parks a session with a human operator. Subsequent messages
// bypass every automated tier until Resume.
func (s *Service) Handover(ctx context.Context, tenantID, sessionID string) (*datatypes.Session, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.IsAbsorbing() {
		return session, nil
	}
	if !s.decisions.ValidateTransition(session.State, datatypes.StateHandover) {
		return nil, fmt.Errorf("session %s cannot enter handover from %s", sessionID, session.State)
	}
	session.State = datatypes.StateHandover
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ===== Internal helpers =====

func (s *Service) loadOrCreateSession(ctx context.Context, req Request) (*datatypes.Session, error) {
	if req.SessionID != "" {
		session, err := s.store.GetSession(ctx, req.TenantID, req.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("loading session: %w", err)
		}
	}

	session := datatypes.NewSession(req.TenantID, req.BotID, req.Channel)
	if req.SessionID != "" {
		session.ID = req.SessionID
	}
	session.BotVersionID = req.BotVersionID
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return session, nil
}

// finishSimple persists a non-agentic reply (handover, fast, knowledge)
// with no state change and no slot writes.
func (s *Service) finishSimple(ctx context.Context, req Request, session *datatypes.Session, reply string, tier datatypes.Tier, outcome string, started time.Time) (*Response, error) {
	event := datatypes.NewDecisionEvent(session.ID, req.TenantID, tier, outcome)
	event.Latency = time.Since(started)

	if err := s.commit(ctx, session, req.Message, reply, nil, session.State, nil, event); err != nil {
		return nil, err
	}
	s.observe(tier, outcome, started)
	return &Response{
		SessionID: session.ID,
		Reply:     reply,
		Tier:      tier,
		State:     session.State,
	}, nil
}

// commit writes the turn pair, decision, slots, and session update as one
// atomic unit, retrying on version conflicts with a fresh session read.
func (s *Service) commit(ctx context.Context, session *datatypes.Session, userText, botText string, uiPayload map[string]any, nextState datatypes.LifecycleState, slotWrites map[string]string, event *datatypes.DecisionEvent) error {
	for attempt := 0; ; attempt++ {
		target := nextState
		if target != session.State && !s.decisions.ValidateTransition(session.State, target) {
			// A refreshed session may have moved somewhere the proposal
			// no longer fits. Keep the current state.
			target = session.State
		}

		err := s.store.WithUnit(ctx, func(u storage.Unit) error {
			userTurn := datatypes.NewTurn(session.ID, session.TenantID, datatypes.SpeakerUser, userText)
			if err := u.AppendTurn(userTurn); err != nil {
				return err
			}
			botTurn := datatypes.NewTurn(session.ID, session.TenantID, datatypes.SpeakerBot, botText)
			botTurn.UIPayload = uiPayload
			if err := u.AppendTurn(botTurn); err != nil {
				return err
			}
			for key, value := range slotWrites {
				slot := datatypes.NewContextSlot(session.ID, session.TenantID, key, value, datatypes.SlotFromUser)
				if err := u.PutSlot(slot); err != nil {
					return err
				}
			}
			if err := u.AppendDecision(event); err != nil {
				return err
			}
			update := session.Clone()
			update.State = target
			return u.UpdateSession(update)
		})
		if err == nil {
			session.State = target
			session.Version++
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("committing turn: %w", err)
		}
		if attempt >= casRetries {
			return ErrSessionBusy
		}

		fresh, ferr := s.store.GetSession(ctx, session.TenantID, session.ID)
		if ferr != nil {
			return fmt.Errorf("reloading session after conflict: %w", ferr)
		}
		*session = *fresh
		slog.Debug("Retrying commit after version conflict",
			slog.String("session_id", session.ID), slog.Int("attempt", attempt+1))
	}
}

func (s *Service) recentHistory(ctx context.Context, tenantID, sessionID string) ([]llm.Message, error) {
	window := s.cfg.Agent.HistoryWindow
	if window <= 0 {
		return nil, nil
	}
	turns, err := s.store.RecentTurns(ctx, tenantID, sessionID, window)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Speaker != datatypes.SpeakerUser {
			role = "assistant"
		}
		history = append(history, llm.Message{Role: role, Content: t.Text})
	}
	return history, nil
}

func (s *Service) activeSlots(ctx context.Context, session *datatypes.Session) ([]datatypes.ContextSlot, error) {
	values, err := s.store.ActiveSlots(ctx, session.TenantID, session.ID)
	if err != nil {
		return nil, err
	}
	slots := make([]datatypes.ContextSlot, 0, len(values))
	for key, value := range values {
		slots = append(slots, *datatypes.NewContextSlot(session.ID, session.TenantID, key, value, datatypes.SlotFromUser))
	}
	return slots, nil
}

// maybeWarmCache defers a semantic-cache write for reusable answers. Only
// informational turns qualify: anything that executed a mutation, hit the
// budget, or degraded is excluded.
func (s *Service) maybeWarmCache(req Request, outcome *agent.Outcome) {
	if s.pool == nil || outcome.Degraded || outcome.Exhausted {
		return
	}
	if outcome.LastAction != "" && !flow.IsReadOnlyCatalogAction(outcome.LastAction) {
		return
	}
	if !cache.IsCacheable(outcome.Reply) {
		return
	}
	question, answer := req.Message, outcome.Reply
	tenantID, botVersionID := req.TenantID, req.BotVersionID
	err := s.pool.Submit(tasks.Task{
		Name: "cache_warm_write",
		Run: func(ctx context.Context) error {
			return s.cache.Record(ctx, tenantID, botVersionID, question, answer)
		},
	})
	if err != nil {
		slog.Debug("Cache warm-write not queued", slog.Any("error", err))
	}
}

// recordCacheHit defers the hit-counter bump for a served cache answer so
// the response path never waits on cache bookkeeping.
func (s *Service) recordCacheHit(req Request, question string) {
	if s.pool == nil {
		return
	}
	tenantID, botVersionID := req.TenantID, req.BotVersionID
	err := s.pool.Submit(tasks.Task{
		Name: "cache_hit_count",
		Run: func(ctx context.Context) error {
			return s.cache.RecordHit(ctx, tenantID, botVersionID, question)
		},
	})
	if err != nil {
		slog.Debug("Cache hit count not queued", slog.Any("error", err))
	}
}

func (s *Service) observe(tier datatypes.Tier, outcome string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveRequest(string(tier), outcome, time.Since(started))
}

func (s *Service) countCache(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookup(result)
	}
}

func agentOutcomeLabel(outcome *agent.Outcome) string {
	switch {
	case outcome.Degraded:
		return "degraded"
	case outcome.Exhausted:
		return "exhausted"
	default:
		return "answered"
	}
}
