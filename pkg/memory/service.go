package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/companion/pkg/embed"
	"github.com/haivivi/companion/pkg/kv"
)

// Errors returned by the Service.
var (
	ErrNotFound     = errors.New("memory: not found")
	ErrEmptyContent = errors.New("memory: empty content")
)

// Embedder produces the vector stored with a memory. [embed.Service]
// implements it.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Weights blend the retrieval signals. They need not sum to one.
type Weights struct {
	Similarity float64
	Importance float64
	Recency    float64

	// RecencyHalfLife is the age at which the recency signal halves.
	RecencyHalfLife time.Duration
}

// DefaultWeights favors meaning, then importance, then freshness.
var DefaultWeights = Weights{
	Similarity:      0.7,
	Importance:      0.2,
	Recency:         0.1,
	RecencyHalfLife: 30 * 24 * time.Hour,
}

// ServiceConfig configures a [Service].
type ServiceConfig struct {
	// Prefix is the kv key prefix. Default {"mem"}.
	Prefix kv.Key

	// Weights default to DefaultWeights.
	Weights *Weights

	// MinImportance floors decayed importance. Default 0.05.
	MinImportance float64

	Now    func() time.Time
	Logger *slog.Logger
}

// Service stores and retrieves memories.
type Service struct {
	store    kv.Store
	embedder Embedder
	prefix   kv.Key
	weights  Weights
	floor    float64
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a Service. embedder may be nil, in which case every
// memory is saved without a vector and retrieval falls back to importance
// and recency.
func NewService(store kv.Store, embedder Embedder, cfg ServiceConfig) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		prefix:   cfg.Prefix,
		weights:  DefaultWeights,
		floor:    cfg.MinImportance,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if len(s.prefix) == 0 {
		s.prefix = kv.Key{"mem"}
	}
	if cfg.Weights != nil {
		s.weights = *cfg.Weights
	}
	if s.weights.RecencyHalfLife <= 0 {
		s.weights.RecencyHalfLife = DefaultWeights.RecencyHalfLife
	}
	if s.floor <= 0 {
		s.floor = 0.05
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SaveOptions are optional attributes for [Service.Save].
type SaveOptions struct {
	// Importance in (0, 1]. Zero picks the type default.
	Importance float64

	// Source defaults to SourceExplicit.
	Source Source

	Tags   []string
	Locked bool

	// ExpiresAt sets an absolute expiry. TTL, if set, wins.
	ExpiresAt time.Time
	TTL       time.Duration
}

// Save stores a new memory. Embedding failures are logged and the memory
// is saved without a vector.
func (s *Service) Save(ctx context.Context, personaID, userID, content string, typ Type, opts SaveOptions) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if _, err := ParseType(string(typ)); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("memory: new id: %w", err)
	}
	now := s.now()

	imp := opts.Importance
	if imp <= 0 {
		imp = defaultImportance[typ]
	}
	imp = min(imp, 1)

	m := &Memory{
		ID:             id.String(),
		PersonaID:      personaID,
		UserID:         userID,
		Type:           typ,
		Content:        content,
		Importance:     imp,
		BaseImportance: imp,
		Source:         cmp.Or(opts.Source, SourceExplicit),
		Tags:           opts.Tags,
		Locked:         opts.Locked,
		CreatedAt:      now,
		AccessedAt:     now,
		ExpiresAt:      opts.ExpiresAt,
	}
	if opts.TTL > 0 {
		m.ExpiresAt = now.Add(opts.TTL)
	}

	if s.embedder != nil {
		vec, err := s.embedder.EmbedOne(ctx, content)
		if err != nil {
			s.logger.Warn("memory embedding failed, saving without vector",
				"persona", personaID, "user", userID, "id", m.ID, "err", err)
		} else {
			m.Embedding = vec
		}
	}

	if err := kv.SetValue(ctx, s.store, memKey(s.prefix, personaID, userID, m.ID), m); err != nil {
		return nil, fmt.Errorf("memory: save: %w", err)
	}
	s.logger.Debug("memory saved",
		"persona", personaID, "user", userID, "id", m.ID,
		"type", string(typ), "embedded", m.HasEmbedding())
	return m, nil
}

// Get returns one memory.
func (s *Service) Get(ctx context.Context, personaID, userID, id string) (*Memory, error) {
	m, err := kv.GetValue[Memory](ctx, s.store, memKey(s.prefix, personaID, userID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// List returns every stored memory of the pair in creation order,
// including locked and expired ones.
func (s *Service) List(ctx context.Context, personaID, userID string) ([]Memory, error) {
	return kv.ListValues[Memory](ctx, s.store, memPrefix(s.prefix, personaID, userID))
}

// RetrieveOptions tune [Service.Retrieve].
type RetrieveOptions struct {
	// Limit defaults to 5.
	Limit int

	// IncludeLocked also returns locked memories.
	IncludeLocked bool

	// Types restricts the result to these types when non-empty.
	Types []Type

	// Touch records the access on every returned memory.
	Touch bool
}

// Scored is a retrieved memory with its ranking score.
type Scored struct {
	Memory
	Score      float64
	Similarity float64
}

// RetrieveRelevant returns the limit best memories for query, touching
// them as accessed. Locked and expired memories are excluded.
func (s *Service) RetrieveRelevant(ctx context.Context, personaID, userID, query string, limit int) ([]Scored, error) {
	return s.Retrieve(ctx, personaID, userID, query, RetrieveOptions{Limit: limit, Touch: true})
}

// Retrieve ranks memories by
//
//	w.Similarity*cos(query, m) + w.Importance*importance + w.Recency*2^(-age/halfLife)
//
// Memories without a vector, or a query that could not be embedded, score
// zero similarity and compete on importance and recency alone. Ties go to
// the newer memory.
func (s *Service) Retrieve(ctx context.Context, personaID, userID, query string, opts RetrieveOptions) ([]Scored, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	now := s.now()

	var qvec []float32
	if s.embedder != nil && strings.TrimSpace(query) != "" {
		v, err := s.embedder.EmbedOne(ctx, query)
		if err != nil {
			s.logger.Warn("memory query embedding failed, ranking without similarity",
				"persona", personaID, "user", userID, "err", err)
		} else {
			qvec = v
		}
	}

	all, err := s.List(ctx, personaID, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: list %s/%s: %w", personaID, userID, err)
	}

	scored := make([]Scored, 0, len(all))
	for _, m := range all {
		if m.ExpiredAt(now) {
			continue
		}
		if m.Locked && !opts.IncludeLocked {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, m.Type) {
			continue
		}
		var sim float64
		if len(qvec) > 0 && m.HasEmbedding() {
			sim = max(embed.CosineSimilarity(qvec, m.Embedding), 0)
		}
		score := s.weights.Similarity*sim +
			s.weights.Importance*m.Importance +
			s.weights.Recency*s.recency(m.CreatedAt, now)
		scored = append(scored, Scored{Memory: m, Score: score, Similarity: sim})
	}

	slices.SortStableFunc(scored, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	if opts.Touch {
		for i := range scored {
			if err := s.touch(ctx, &scored[i].Memory, now); err != nil {
				s.logger.Warn("memory touch failed", "id", scored[i].ID, "err", err)
			}
		}
	}
	return scored, nil
}

func (s *Service) recency(created, now time.Time) float64 {
	age := now.Sub(created)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / s.weights.RecencyHalfLife.Hours())
}

// Touch records an access on the given memories of a pair. Ids that no
// longer exist are skipped.
func (s *Service) Touch(ctx context.Context, personaID, userID string, ids ...string) error {
	now := s.now()
	var errs []error
	for _, id := range ids {
		m := Memory{ID: id, PersonaID: personaID, UserID: userID}
		if err := s.touch(ctx, &m, now); err != nil {
			errs = append(errs, fmt.Errorf("memory: touch %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) touch(ctx context.Context, m *Memory, now time.Time) error {
	key := memKey(s.prefix, m.PersonaID, m.UserID, m.ID)
	updated, err := kv.UpdateValue(ctx, s.store, key, func(v *Memory, found bool) error {
		if !found {
			return kv.ErrSkipWrite
		}
		v.AccessedAt = now
		v.AccessCount++
		return nil
	})
	if err != nil {
		return err
	}
	m.AccessedAt = updated.AccessedAt
	m.AccessCount = updated.AccessCount
	return nil
}

// Unlock clears the Locked flag of a memory.
func (s *Service) Unlock(ctx context.Context, personaID, userID, id string) (*Memory, error) {
	return s.modify(ctx, personaID, userID, id, func(m *Memory) bool {
		if !m.Locked {
			return false
		}
		m.Locked = false
		return true
	})
}

// SetImportance overrides the base importance of a memory.
func (s *Service) SetImportance(ctx context.Context, personaID, userID, id string, importance float64) (*Memory, error) {
	if importance <= 0 || importance > 1 {
		return nil, fmt.Errorf("memory: importance %v out of (0, 1]", importance)
	}
	return s.modify(ctx, personaID, userID, id, func(m *Memory) bool {
		m.BaseImportance = importance
		m.Importance = importance
		return true
	})
}

func (s *Service) modify(ctx context.Context, personaID, userID, id string, fn func(*Memory) bool) (*Memory, error) {
	var missing bool
	m, err := kv.UpdateValue(ctx, s.store, memKey(s.prefix, personaID, userID, id), func(v *Memory, found bool) error {
		if !found {
			missing = true
			return kv.ErrSkipWrite
		}
		if !fn(v) {
			return kv.ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: update %s: %w", id, err)
	}
	if missing {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// DecayReport counts what a decay pass changed.
type DecayReport struct {
	Scanned int
	Decayed int
	Expired int
}

// Decay recomputes importance of every decayable memory as
//
//	base * 2^(-age/halfLife)
//
// floored at MinImportance, and marks memories past ExpiresAt as expired.
// Milestones, secrets and summaries keep their importance. Nothing is
// deleted. The pass is idempotent for a fixed now.
func (s *Service) Decay(ctx context.Context, now time.Time) (DecayReport, error) {
	var rep DecayReport
	var keys []kv.Key
	for entry, err := range s.store.List(ctx, s.prefix) {
		if err != nil {
			return rep, fmt.Errorf("memory: decay scan: %w", err)
		}
		keys = append(keys, entry.Key)
	}
	for _, key := range keys {
		rep.Scanned++
		var decayed, expired bool
		_, err := kv.UpdateValue(ctx, s.store, key, func(m *Memory, found bool) error {
			decayed, expired = false, false
			if !found {
				return kv.ErrSkipWrite
			}
			if !m.Expired && m.ExpiredAt(now) {
				m.Expired = true
				expired = true
			}
			if hl := m.Type.HalfLife(); hl > 0 {
				imp := s.decayed(m.BaseImportance, now.Sub(m.CreatedAt), hl)
				if imp != m.Importance {
					m.Importance = imp
					decayed = true
				}
			}
			if !decayed && !expired {
				return kv.ErrSkipWrite
			}
			return nil
		})
		if err != nil {
			return rep, fmt.Errorf("memory: decay %s: %w", key, err)
		}
		if decayed {
			rep.Decayed++
		}
		if expired {
			rep.Expired++
		}
	}
	s.logger.Info("memory decay pass", "scanned", rep.Scanned, "decayed", rep.Decayed, "expired", rep.Expired)
	return rep, nil
}

func (s *Service) decayed(base float64, age, halfLife time.Duration) float64 {
	if age <= 0 {
		return base
	}
	v := base * math.Exp2(-age.Hours()/halfLife.Hours())
	return max(v, min(s.floor, base))
}
