package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"opportunity-engine/internal/cache"
	"opportunity-engine/internal/database"
	"opportunity-engine/internal/events"
	"opportunity-engine/internal/features"
	"opportunity-engine/internal/geo"
	"opportunity-engine/internal/interaction"
	"opportunity-engine/internal/models"
	"opportunity-engine/internal/scoring"
	"opportunity-engine/internal/token"
	"opportunity-engine/internal/tracing"
	"opportunity-engine/internal/validation"

	"github.com/google/uuid"
)

var (
	// ErrInvalidContext means the session reference is missing or
	// malformed; fatal to the single request, not retried.
	ErrInvalidContext = errors.New("invalid session context")
	// ErrCapacityExhausted means the opportunity ran out of capacity;
	// safe to retry against a different opportunity.
	ErrCapacityExhausted = errors.New("opportunity capacity exhausted")
	// ErrNoLongerEligible means the opportunity expired or was
	// deactivated between discovery and acceptance; re-discover.
	ErrNoLongerEligible = errors.New("opportunity no longer eligible")
	// ErrDuplicateClaimToken means token generation kept colliding past
	// the retry budget; escalated as a fatal allocation error.
	ErrDuplicateClaimToken = errors.New("claim token collision persisted across retries")
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

const (
	// affinityWindow is the trailing period of interaction history the
	// affinity sub-score looks at.
	affinityWindow = 30 * 24 * time.Hour
	// tokenAttempts bounds claim-token regeneration on collision.
	tokenAttempts = 5
	// extendTimeout bounds the session-extension side effect.
	extendTimeout = 3 * time.Second
	// prefsCacheTTL bounds staleness of cached preference records.
	prefsCacheTTL = time.Minute
	// candidatesCacheTTL bounds staleness of the candidate snapshot.
	// Safe to serve stale: validity windows are re-checked per candidate
	// and capacity is re-checked at acceptance.
	candidatesCacheTTL = 15 * time.Second
)

const candidatesKey = "candidates"

// SessionExtender applies bonus minutes to a session. The production
// implementation is the session store itself; deployments where session
// management lives elsewhere swap in a remote client.
type SessionExtender interface {
	ExtendSession(ctx context.Context, sessionID string, minutes int) (time.Time, error)
}

// Service provides the opportunity matching and allocation engine.
type Service struct {
	db       *database.DB
	cache    cache.Cache
	events   *events.Manager
	flags    *features.Manager
	extender SessionExtender
	now      func() time.Time
}

// Options holds optional collaborators for a service instance.
type Options struct {
	Cache    cache.Cache
	Events   *events.Manager
	Features *features.Manager
	Extender SessionExtender
	Now      func() time.Time
}

// NewService creates a service with default collaborators: in-memory
// cache, enabled event manager, default flags and the storage-backed
// session extender.
func NewService(db *database.DB) *Service {
	return NewServiceWithOptions(db, Options{})
}

// NewServiceWithOptions creates a service with custom collaborators.
func NewServiceWithOptions(db *database.DB, opts Options) *Service {
	s := &Service{
		db:       db,
		cache:    opts.Cache,
		events:   opts.Events,
		flags:    opts.Features,
		extender: opts.Extender,
		now:      opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.NewInMemoryCache()
	}
	if s.events == nil {
		s.events = events.NewManager(true)
	}
	if s.flags == nil {
		s.flags = features.Defaults()
	}
	if s.extender == nil {
		s.extender = db
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Events exposes the event manager for subscribing analytics hooks.
func (s *Service) Events() *events.Manager { return s.events }

// CreateOpportunity validates and upserts a partner opportunity.
func (s *Service) CreateOpportunity(ctx context.Context, opp models.Opportunity) error {
	if err := validation.ValidateOpportunity(opp); err != nil {
		return err
	}
	if err := s.db.UpsertOpportunity(ctx, opp); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, candidatesKey); err != nil {
		log.Printf("Failed to invalidate candidate cache: %v", err)
	}
	s.publish(ctx, events.EventOpportunityCreated, events.OpportunityCreatedData{Opportunity: opp})
	return nil
}

// CreateSession registers a session so discovery can build a context
// from it. A missing ID gets generated.
func (s *Service) CreateSession(ctx context.Context, sess models.Session) (models.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if err := validation.ValidateSession(sess); err != nil {
		return models.Session{}, err
	}
	if err := s.db.UpsertSession(ctx, sess); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// GetSession fetches a session by ID.
func (s *Service) GetSession(ctx context.Context, id string) (models.Session, error) {
	sess, err := s.db.GetSession(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return models.Session{}, ErrNotFound
	}
	return sess, err
}

// Discover builds the session context, filters and scores the candidate
// set and returns the ranked top results. Returned opportunities are
// recorded as impressions for identified users. An empty result is a
// valid outcome, never an error.
func (s *Service) Discover(ctx context.Context, sessionID, userID string, now time.Time) (models.DiscoverResponse, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.Discover")
	defer span.End()

	sess, err := s.db.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return models.DiscoverResponse{}, fmt.Errorf("%w: unknown session %s", ErrInvalidContext, sessionID)
	}
	if err != nil {
		return models.DiscoverResponse{}, err
	}

	sctx := scoring.BuildContext(sess, userID, now)
	resp := models.DiscoverResponse{
		SessionID:   sessionID,
		UserID:      userID,
		EvaluatedAt: now,
	}

	prefs, err := s.loadPreferences(ctx, userID)
	if err != nil {
		return models.DiscoverResponse{}, err
	}

	if scoring.ContextBlocked(sctx, prefs) {
		return resp, nil
	}

	hist, err := s.loadHistory(ctx, sctx)
	if err != nil {
		return models.DiscoverResponse{}, err
	}

	var aff scoring.AffinityStats
	if !sctx.Anonymous() && s.flags.IsEnabled(features.FeatureAffinityScoring) {
		aff, err = s.db.AffinityStats(ctx, userID, now.Add(-affinityWindow))
		if err != nil {
			return models.DiscoverResponse{}, err
		}
	}

	candidates, err := s.loadCandidates(ctx, now)
	if err != nil {
		return models.DiscoverResponse{}, err
	}

	var scored []models.ScoredOpportunity
	for _, opp := range candidates {
		if ok, _ := scoring.Eligible(opp, sctx, prefs, hist); !ok {
			continue
		}
		dist := geo.Distance(sctx.Latitude, sctx.Longitude, opp.Latitude, opp.Longitude)
		walkCap := scoring.EffectiveWalkingCap(opp, prefs)
		scored = append(scored, models.ScoredOpportunity{
			Opportunity:       opp,
			Score:             scoring.Score(opp, sctx, dist, walkCap, aff),
			DistanceMeters:    dist,
			RemainingCapacity: opp.RemainingCapacity(),
		})
	}

	resp.Opportunities = scoring.Rank(scored, prefs.SessionCap())

	if !sctx.Anonymous() {
		for _, result := range resp.Opportunities {
			if err := s.db.RecordImpression(ctx, userID, result.Opportunity.ID, sessionID,
				sctx.RemainingMinutes, result.DistanceMeters, now); err != nil {
				log.Printf("Failed to record impression for %s: %v", result.Opportunity.ID, err)
			}
		}
	}

	s.publish(ctx, events.EventDiscovery, events.DiscoveryData{
		SessionID: sessionID,
		UserID:    userID,
		Returned:  len(resp.Opportunities),
		Evaluated: len(candidates),
	})

	return resp, nil
}

// RecordView marks an opportunity as viewed by the user. A view without
// a prior impression upserts the missing impressed transition first.
func (s *Service) RecordView(ctx context.Context, userID, opportunityID string) error {
	return s.db.Transition(ctx, userID, opportunityID, interaction.StateViewed, "", "", s.now())
}

// Dismiss suppresses an opportunity for the user for the cooldown
// window. The optional reason code feeds affinity scoring.
func (s *Service) Dismiss(ctx context.Context, userID, opportunityID, reason string) error {
	if err := s.db.Transition(ctx, userID, opportunityID, interaction.StateDismissed, "", reason, s.now()); err != nil {
		return err
	}
	s.publish(ctx, events.EventDismissed, events.DismissedData{
		UserID:        userID,
		OpportunityID: opportunityID,
		Reason:        reason,
	})
	return nil
}

// Accept re-validates eligibility at the moment of acceptance, reserves
// one unit of capacity atomically and issues a unique claim token.
// Session extension is applied at most once per issued token.
func (s *Service) Accept(ctx context.Context, userID, opportunityID, sessionID string) (models.AcceptResponse, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.Accept")
	defer span.End()

	now := s.now()

	sess, err := s.db.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return models.AcceptResponse{}, fmt.Errorf("%w: unknown session %s", ErrInvalidContext, sessionID)
	}
	if err != nil {
		return models.AcceptResponse{}, err
	}

	opp, err := s.db.GetOpportunity(ctx, opportunityID)
	if errors.Is(err, database.ErrNotFound) {
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrNoLongerEligible, "opportunity missing")
	}
	if err != nil {
		return models.AcceptResponse{}, err
	}

	// A candidate surviving discovery minutes earlier may no longer be
	// valid: time window, capacity and cooldown are checked again here.
	if !opp.Active || !opp.Approved || now.Before(opp.ValidFrom) || now.After(opp.ValidUntil) {
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrNoLongerEligible, "outside validity window")
	}
	if opp.TotalCapacity != nil && opp.UsedCapacity >= *opp.TotalCapacity {
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrCapacityExhausted, "capacity exhausted")
	}

	prior, exists, err := s.db.GetInteraction(ctx, userID, opportunityID)
	if err != nil {
		return models.AcceptResponse{}, err
	}
	if exists && prior.State == string(interaction.StateDismissed) && prior.DismissedAt != nil &&
		now.Sub(*prior.DismissedAt) < interaction.DismissalCooldown {
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrNoLongerEligible, "dismissed within cooldown")
	}

	sctx := scoring.BuildContext(sess, userID, now)
	dist := geo.Distance(sctx.Latitude, sctx.Longitude, opp.Latitude, opp.Longitude)

	var claimToken string
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		claimToken, err = token.New()
		if err != nil {
			return models.AcceptResponse{}, fmt.Errorf("failed to generate claim token: %w", err)
		}

		err = s.db.AllocateClaim(ctx, database.AllocationParams{
			UserID:            userID,
			OpportunityID:     opportunityID,
			SessionID:         sessionID,
			ClaimToken:        claimToken,
			ValueClaimedCents: opp.Value.FixedValueCents,
			RemainingMinutes:  sctx.RemainingMinutes,
			DistanceMeters:    dist,
			At:                now,
		})
		if errors.Is(err, database.ErrDuplicateClaimToken) {
			continue
		}
		break
	}

	switch {
	case err == nil:
	case errors.Is(err, database.ErrCapacityExhausted):
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrCapacityExhausted, "capacity exhausted")
	case errors.Is(err, database.ErrNotFound):
		return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrNoLongerEligible, "opportunity missing")
	case errors.Is(err, database.ErrDuplicateClaimToken):
		return models.AcceptResponse{}, ErrDuplicateClaimToken
	default:
		var te *interaction.TransitionError
		if errors.As(err, &te) {
			return models.AcceptResponse{}, s.declineAccept(ctx, userID, opportunityID, sessionID, ErrNoLongerEligible, te.Error())
		}
		return models.AcceptResponse{}, err
	}

	resp := models.AcceptResponse{
		ClaimToken:   claimToken,
		Instructions: fmt.Sprintf("Show code %s to redeem %q.", claimToken, opp.Title),
	}

	// The allocation is committed at this point; a failed extension must
	// not unwind the claim, and a fresh token guarantees at-most-once.
	if opp.Value.BonusMinutes > 0 {
		extCtx, cancel := context.WithTimeout(ctx, extendTimeout)
		defer cancel()
		newExpiry, err := s.extender.ExtendSession(extCtx, sessionID, opp.Value.BonusMinutes)
		if err != nil {
			log.Printf("Failed to extend session %s by %d minutes: %v", sessionID, opp.Value.BonusMinutes, err)
		} else {
			resp.NewSessionExpiry = &newExpiry
		}
	}

	s.publish(ctx, events.EventClaimAccepted, events.ClaimData{
		UserID:        userID,
		OpportunityID: opportunityID,
		SessionID:     sessionID,
		ClaimToken:    claimToken,
		ValueCents:    opp.Value.FixedValueCents,
	})

	return resp, nil
}

// Complete marks the claim redeemed and returns a receipt. Idempotent:
// a second completion of the same token returns the stored receipt and
// does not double-count redemption value.
func (s *Service) Complete(ctx context.Context, claimToken string, redeemedCents int64) (models.Receipt, error) {
	if !token.Valid(claimToken) {
		return models.Receipt{}, fmt.Errorf("%w: malformed claim token", ErrNotFound)
	}

	inter, already, err := s.db.CompleteByToken(ctx, claimToken, redeemedCents, s.now())
	if errors.Is(err, database.ErrNotFound) {
		return models.Receipt{}, fmt.Errorf("%w: unknown claim token", ErrNotFound)
	}
	if errors.Is(err, database.ErrClaimExpired) {
		return models.Receipt{}, fmt.Errorf("%w: claim outlived the acceptance grace period", ErrNoLongerEligible)
	}
	if err != nil {
		return models.Receipt{}, err
	}

	receipt := models.Receipt{
		ClaimToken:         claimToken,
		UserID:             inter.UserID,
		OpportunityID:      inter.OpportunityID,
		RedeemedValueCents: inter.ValueRedeemedCents,
		AlreadyCompleted:   already,
	}
	if inter.CompletedAt != nil {
		receipt.CompletedAt = *inter.CompletedAt
	}

	if !already {
		s.publish(ctx, events.EventClaimCompleted, events.ClaimData{
			UserID:        inter.UserID,
			OpportunityID: inter.OpportunityID,
			SessionID:     inter.SessionID,
			ClaimToken:    claimToken,
			ValueCents:    inter.ValueRedeemedCents,
		})
	}

	return receipt, nil
}

// CancelClaim releases an accepted claim's capacity unit back to the
// pool. This is the only implicit-free path back; unused claims
// otherwise expire via the grace period.
func (s *Service) CancelClaim(ctx context.Context, claimToken string) error {
	inter, err := s.db.ReleaseClaim(ctx, claimToken, s.now())
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: unknown claim token", ErrNotFound)
	}
	if err != nil {
		return err
	}

	s.publish(ctx, events.EventClaimCancelled, events.ClaimData{
		UserID:        inter.UserID,
		OpportunityID: inter.OpportunityID,
		SessionID:     inter.SessionID,
		ClaimToken:    claimToken,
	})
	return nil
}

// History returns the user's interaction log, most recent first. Stale
// interactions are lazily expired as they are read.
func (s *Service) History(ctx context.Context, userID string) (models.HistoryResponse, error) {
	history, err := s.db.ListHistory(ctx, userID)
	if err != nil {
		return models.HistoryResponse{}, err
	}

	if s.flags.IsEnabled(features.FeatureLazyExpiry) {
		now := s.now()
		opps := make(map[string]models.Opportunity)
		for i, inter := range history {
			state := interaction.State(inter.State)
			if state.Terminal() {
				continue
			}
			opp, ok := opps[inter.OpportunityID]
			if !ok {
				opp, err = s.db.GetOpportunity(ctx, inter.OpportunityID)
				if err != nil {
					continue
				}
				opps[inter.OpportunityID] = opp
			}
			if interaction.ShouldExpire(state, opp.ValidUntil, inter.AcceptedAt, now) {
				if err := s.db.Transition(ctx, userID, inter.OpportunityID, interaction.StateExpired, inter.SessionID, "stale", now); err != nil {
					log.Printf("Failed to lazily expire interaction %s/%s: %v", userID, inter.OpportunityID, err)
					continue
				}
				history[i].State = string(interaction.StateExpired)
			}
		}
	}

	return models.HistoryResponse{UserID: userID, Interactions: history}, nil
}

// GetPreferences returns the user's preferences, creating the default
// record on first read.
func (s *Service) GetPreferences(ctx context.Context, userID string) (models.UserPreferences, error) {
	if userID == "" {
		return models.UserPreferences{}, fmt.Errorf("%w: user required", ErrInvalidContext)
	}
	return s.loadPreferences(ctx, userID)
}

// UpdatePreferences stores an explicit preference update.
func (s *Service) UpdatePreferences(ctx context.Context, prefs models.UserPreferences) error {
	if err := validation.ValidatePreferences(prefs); err != nil {
		return err
	}
	if err := s.db.UpsertPreferences(ctx, prefs); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, prefsKey(prefs.UserID)); err != nil {
		log.Printf("Failed to invalidate preference cache for %s: %v", prefs.UserID, err)
	}
	return nil
}

func (s *Service) loadPreferences(ctx context.Context, userID string) (models.UserPreferences, error) {
	if userID == "" {
		return models.DefaultPreferences(""), nil
	}

	useCache := s.flags.IsEnabled(features.FeatureCacheEnabled)
	if useCache {
		var cached models.UserPreferences
		if err := cache.GetJSON(ctx, s.cache, prefsKey(userID), &cached); err == nil {
			return cached, nil
		}
	}

	prefs, found, err := s.db.GetPreferences(ctx, userID)
	if err != nil {
		return models.UserPreferences{}, err
	}
	if !found {
		prefs = models.DefaultPreferences(userID)
		if err := s.db.UpsertPreferences(ctx, prefs); err != nil {
			return models.UserPreferences{}, err
		}
	}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, prefsKey(userID), prefs, prefsCacheTTL); err != nil {
			log.Printf("Failed to cache preferences for %s: %v", userID, err)
		}
	}

	return prefs, nil
}

// loadCandidates serves the storage prefilter through the cache. The
// snapshot is shared across users; per-user constraints are applied by
// the eligibility filter afterwards.
func (s *Service) loadCandidates(ctx context.Context, now time.Time) ([]models.Opportunity, error) {
	useCache := s.flags.IsEnabled(features.FeatureCacheEnabled)
	if useCache {
		var cached []models.Opportunity
		if err := cache.GetJSON(ctx, s.cache, candidatesKey, &cached); err == nil {
			return cached, nil
		}
	}

	candidates, err := s.db.ListCandidates(ctx, now)
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, candidatesKey, candidates, candidatesCacheTTL); err != nil {
			log.Printf("Failed to cache candidates: %v", err)
		}
	}

	return candidates, nil
}

func (s *Service) loadHistory(ctx context.Context, sctx models.SessionContext) (scoring.History, error) {
	if sctx.Anonymous() {
		return scoring.History{}, nil
	}

	interactions, err := s.db.ListUserInteractions(ctx, sctx.UserID)
	if err != nil {
		return scoring.History{}, err
	}
	count, seen, err := s.db.SessionImpressions(ctx, sctx.SessionID, sctx.UserID)
	if err != nil {
		return scoring.History{}, err
	}

	return scoring.History{
		Interactions:         interactions,
		SessionImpressions:   count,
		ImpressedThisSession: seen,
	}, nil
}

// declineAccept records a failed acceptance attempt for analytics and
// returns the typed failure. No interaction mutation happens here.
func (s *Service) declineAccept(ctx context.Context, userID, opportunityID, sessionID string, cause error, detail string) error {
	s.publish(ctx, events.EventAcceptFailed, events.AcceptFailedData{
		UserID:        userID,
		OpportunityID: opportunityID,
		SessionID:     sessionID,
		Cause:         detail,
	})
	return fmt.Errorf("%w: %s", cause, detail)
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, data interface{}) {
	if !s.flags.IsEnabled(features.FeatureEventHooksEnabled) {
		return
	}
	s.events.Publish(ctx, eventType, data)
}

func prefsKey(userID string) string {
	return "prefs:" + userID
}
