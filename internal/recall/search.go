// Package recall implements the agent-facing conversation_search and
// conversation_get tools: hybrid lexical+semantic retrieval over day
// summaries and transcript chunks, with structured errors that never cross
// the tool boundary as panics.
package recall

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/repository"
	"github.com/novahq/nova/internal/embedding"
	usermodels "github.com/novahq/nova/internal/user/models"
)

const (
	// candidateK is the per-side candidate cap fetched from the store.
	candidateK = 200

	// Blend weights when a query vector is available.
	semWeight = 0.7
	ftsWeight = 0.3

	// Kind weights: summaries carry slightly more authority than chunks.
	summaryKindWeight = 1.0
	chunkKindWeight   = 0.92
)

// KindSummary and KindChunk tag search results.
const (
	KindSummary = "summary"
	KindChunk   = "chunk"
)

// SearchParams are the conversation_search arguments before clamping.
type SearchParams struct {
	Query       string `json:"query"`
	Day         string `json:"day,omitempty"`
	RecencyDays int    `json:"recency_days,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Kind           string  `json:"kind"`
	DaySegmentID   string  `json:"day_segment_id"`
	DayLabel       string  `json:"day_label"`
	ChunkID        string  `json:"chunk_id,omitempty"`
	StartMessageID string  `json:"start_message_id,omitempty"`
	EndMessageID   string  `json:"end_message_id,omitempty"`
	Snippet        string  `json:"snippet"`
	Score          float64 `json:"score"`
}

// SearchResponse is the conversation_search payload.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
}

// Tools evaluates the recall tools for one store.
type Tools struct {
	repo     repository.Repository
	embedder embedding.Service
	logger   *logger.Logger
	now      func() time.Time
}

// NewTools creates the recall tools. embedder may be nil; searches then run
// lexical-only.
func NewTools(repo repository.Repository, embedder embedding.Service, log *logger.Logger) *Tools {
	return &Tools{
		repo:     repo,
		embedder: embedder,
		logger:   log.WithFields(zap.String("component", "recall")),
		now:      time.Now,
	}
}

// SetClock overrides the time source; tests pin the recency window.
func (t *Tools) SetClock(now func() time.Time) { t.now = now }

// Search runs conversation_search scoped to the user's thread.
func (t *Tools) Search(ctx context.Context, user *usermodels.User, threadID string, params SearchParams) (*SearchResponse, error) {
	if params.Query == "" {
		return nil, apperrors.ValidationError("query", "must not be empty")
	}
	limit := clamp(params.Limit, 1, 50, 6)
	offset := clamp(params.Offset, 0, 500, 0)
	recencyDays := params.RecencyDays
	if recencyDays <= 0 {
		recencyDays = 14
	}

	scope := repository.SearchScope{
		UserID:   user.ID,
		ThreadID: threadID,
		Limit:    candidateK,
	}
	if params.Day != "" {
		scope.DayLabel = params.Day
	} else {
		since := t.now().In(user.Location()).AddDate(0, 0, -recencyDays)
		scope.SinceLabel = since.Format("2006-01-02")
	}

	vector := t.queryVector(ctx, params.Query)

	candidates, err := t.collectCandidates(ctx, params.Query, vector, scope)
	if err != nil {
		return nil, err
	}

	scoreCandidates(candidates, vector != nil, t.now().In(user.Location()))
	for _, c := range candidates {
		c.snippet = t.snippetFor(c, params.Query)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.dayLabel != b.dayLabel {
			return a.dayLabel > b.dayLabel
		}
		return a.daySegmentID > b.daySegmentID
	})

	total := len(candidates)
	page := candidates
	if offset >= len(page) {
		page = nil
	} else {
		page = page[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}

	results := make([]SearchResult, 0, len(page))
	for _, c := range page {
		results = append(results, SearchResult{
			Kind:           c.kind,
			DaySegmentID:   c.daySegmentID,
			DayLabel:       c.dayLabel,
			ChunkID:        c.chunkID,
			StartMessageID: c.startMessageID,
			EndMessageID:   c.endMessageID,
			Snippet:        c.snippet,
			Score:          c.score,
		})
	}
	return &SearchResponse{Results: results, Total: total, Offset: offset, Limit: limit}, nil
}

// queryVector resolves the query embedding; failures degrade to lexical-only.
func (t *Tools) queryVector(ctx context.Context, query string) []float32 {
	if t.embedder == nil {
		return nil
	}
	vectors, err := t.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		t.logger.WithError(err).Warn("query embedding failed, lexical-only search")
		return nil
	}
	return vectors[0]
}

// candidate merges the lexical and semantic sides of one parent row.
type candidate struct {
	kind           string
	daySegmentID   string
	dayLabel       string
	chunkID        string
	startMessageID string
	endMessageID   string
	text           string
	headline       string

	ftsRank  float64
	distance *float64

	score   float64
	snippet string
}

func (t *Tools) collectCandidates(ctx context.Context, query string, vector []float32, scope repository.SearchScope) ([]*candidate, error) {
	// The four candidate retrievals are independent queries; run them
	// concurrently and merge once all have returned.
	var (
		summaries    []repository.SummaryCandidate
		chunks       []repository.ChunkCandidate
		semSummaries []repository.SummarySemanticCandidate
		semChunks    []repository.ChunkSemanticCandidate
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		summaries, err = t.repo.SearchSummaries(groupCtx, query, scope)
		return err
	})
	group.Go(func() error {
		var err error
		chunks, err = t.repo.SearchChunks(groupCtx, query, scope)
		return err
	})
	if vector != nil {
		group.Go(func() error {
			var err error
			semSummaries, err = t.repo.SemanticSearchSummaries(groupCtx, vector, scope)
			return err
		})
		group.Go(func() error {
			var err error
			semChunks, err = t.repo.SemanticSearchChunks(groupCtx, vector, scope)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	byKey := map[string]*candidate{}
	upsert := func(key string, build func() *candidate) *candidate {
		if existing, ok := byKey[key]; ok {
			return existing
		}
		c := build()
		byKey[key] = c
		return c
	}

	for _, hit := range summaries {
		segment, rank, headline := hit.Segment, hit.Rank, hit.Headline
		c := upsert(KindSummary+"/"+segment.ID, func() *candidate {
			return &candidate{
				kind:         KindSummary,
				daySegmentID: segment.ID,
				dayLabel:     segment.DayLabel,
				text:         segment.SummaryMarkdown,
			}
		})
		c.ftsRank = rank
		if headline != "" {
			c.headline = headline
		}
	}

	for _, hit := range chunks {
		chunk, rank, headline := hit.Chunk, hit.Rank, hit.Headline
		c := upsert(KindChunk+"/"+chunk.ID, func() *candidate {
			return &candidate{
				kind:           KindChunk,
				daySegmentID:   chunk.DaySegmentID,
				chunkID:        chunk.ID,
				startMessageID: chunk.StartMessageID,
				endMessageID:   chunk.EndMessageID,
				text:           chunk.ContentText,
			}
		})
		c.ftsRank = rank
		if headline != "" {
			c.headline = headline
		}
	}

	for _, hit := range semSummaries {
		segment, distance := hit.Segment, hit.Distance
		c := upsert(KindSummary+"/"+segment.ID, func() *candidate {
			return &candidate{
				kind:         KindSummary,
				daySegmentID: segment.ID,
				dayLabel:     segment.DayLabel,
				text:         segment.SummaryMarkdown,
			}
		})
		d := distance
		c.distance = &d
	}

	for _, hit := range semChunks {
		chunk, distance := hit.Chunk, hit.Distance
		c := upsert(KindChunk+"/"+chunk.ID, func() *candidate {
			return &candidate{
				kind:           KindChunk,
				daySegmentID:   chunk.DaySegmentID,
				chunkID:        chunk.ID,
				startMessageID: chunk.StartMessageID,
				endMessageID:   chunk.EndMessageID,
				text:           chunk.ContentText,
			}
		})
		d := distance
		c.distance = &d
	}

	result := make([]*candidate, 0, len(byKey))
	for _, c := range byKey {
		result = append(result, c)
	}

	// Chunk candidates carry no day label from their own row.
	if err := t.fillChunkDayLabels(ctx, scope.UserID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Tools) fillChunkDayLabels(ctx context.Context, userID string, candidates []*candidate) error {
	labels := map[string]string{}
	for _, c := range candidates {
		if c.dayLabel != "" {
			labels[c.daySegmentID] = c.dayLabel
		}
	}
	for _, c := range candidates {
		if c.dayLabel != "" {
			continue
		}
		label, ok := labels[c.daySegmentID]
		if !ok {
			segment, err := t.repo.GetDaySegment(ctx, userID, c.daySegmentID)
			if err != nil {
				return err
			}
			label = segment.DayLabel
			labels[c.daySegmentID] = label
		}
		c.dayLabel = label
	}
	return nil
}

// scoreCandidates computes the blended scores in place:
// fts_sat = raw/(raw+1); sem = 1/(1+max(0,distance)) min-max normalized
// across the union; blend 0.7*sem_norm + 0.3*fts_sat with a vector, fts_sat
// alone without; then recency and kind multipliers.
func scoreCandidates(candidates []*candidate, vectorAvailable bool, localNow time.Time) {
	sems := make([]float64, len(candidates))
	semMin, semMax := 0.0, 0.0
	first := true
	for i, c := range candidates {
		if c.distance == nil {
			continue
		}
		d := *c.distance
		if d < 0 {
			d = 0
		}
		sem := 1 / (1 + d)
		sems[i] = sem
		if first {
			semMin, semMax = sem, sem
			first = false
		} else {
			if sem < semMin {
				semMin = sem
			}
			if sem > semMax {
				semMax = sem
			}
		}
	}

	for i, c := range candidates {
		ftsSat := c.ftsRank / (c.ftsRank + 1)

		semNorm := 0.0
		if c.distance != nil {
			if semMax > semMin {
				semNorm = (sems[i] - semMin) / (semMax - semMin)
			} else {
				semNorm = 1
			}
		}

		score := ftsSat
		if vectorAvailable {
			score = semWeight*semNorm + ftsWeight*ftsSat
		}
		score *= recencyMultiplier(c.dayLabel, localNow)
		if c.kind == KindChunk {
			score *= chunkKindWeight
		} else {
			score *= summaryKindWeight
		}
		c.score = score
	}
}

// recencyMultiplier weights hits by day age: 1.0 within 24h, 0.9 within
// 7 days, 0.8 otherwise.
func recencyMultiplier(dayLabel string, localNow time.Time) float64 {
	day, err := time.ParseInLocation("2006-01-02", dayLabel, localNow.Location())
	if err != nil {
		return 0.8
	}
	age := localNow.Sub(day)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.9
	default:
		return 0.8
	}
}

func (t *Tools) snippetFor(c *candidate, query string) string {
	if c.headline != "" {
		return c.headline
	}
	return BuildSnippet(c.text, query)
}

func clamp(v, min, max, def int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
