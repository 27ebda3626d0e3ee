package sqlstore

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
	"github.com/novahq/nova/internal/db/dialect"
)

const defaultCandidateLimit = 200

// SearchSummaries returns lexical candidates from day summaries. On
// PostgreSQL this is a ranked full-text query with a marked-up headline; on
// SQLite it degrades to a scoreless substring match.
func (r *Repository) SearchSummaries(ctx context.Context, query string, scope repository.SearchScope) ([]repository.SummaryCandidate, error) {
	driver := r.driver()
	limit := scope.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	where, args := summaryScopeWhere(scope)
	var sqlQuery string
	if dialect.SupportsFTS(driver) {
		sqlQuery = `
			SELECT ` + segmentColumns + `,
				` + dialect.FTSRank(driver, "summary_markdown", "?") + ` AS rank,
				` + dialect.FTSHeadline(driver, "summary_markdown", "?") + ` AS headline
			FROM day_segments
			` + where + ` AND summary_markdown != ''
			  AND ` + dialect.FTSMatch(driver, "summary_markdown", "?") + `
			ORDER BY rank DESC, day_label DESC LIMIT ?`
		args = append([]interface{}{query, query}, args...)
		args = append(args, query, limit)
	} else {
		sqlQuery = `
			SELECT ` + segmentColumns + `, 0 AS rank, '' AS headline
			FROM day_segments
			` + where + ` AND summary_markdown != ''
			  AND summary_markdown ` + dialect.Like(driver) + ` ?
			ORDER BY day_label DESC LIMIT ?`
		args = append(args, "%"+query+"%", limit)
	}

	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(sqlQuery), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []repository.SummaryCandidate
	for rows.Next() {
		segment := &models.DaySegment{}
		var rank float64
		var headline string
		if err := scanSegmentInto(rows, segment, &rank, &headline); err != nil {
			return nil, err
		}
		result = append(result, repository.SummaryCandidate{Segment: segment, Rank: rank, Headline: headline})
	}
	return result, rows.Err()
}

// SearchChunks returns lexical candidates from transcript chunks.
func (r *Repository) SearchChunks(ctx context.Context, query string, scope repository.SearchScope) ([]repository.ChunkCandidate, error) {
	driver := r.driver()
	limit := scope.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	where, args := chunkScopeWhere(scope)
	var sqlQuery string
	if dialect.SupportsFTS(driver) {
		sqlQuery = `
			SELECT ` + prefixedChunkColumns + `,
				` + dialect.FTSRank(driver, "tc.content_text", "?") + ` AS rank,
				` + dialect.FTSHeadline(driver, "tc.content_text", "?") + ` AS headline
			FROM transcript_chunks tc
			JOIN day_segments ds ON ds.id = tc.day_segment_id
			` + where + `
			  AND ` + dialect.FTSMatch(driver, "tc.content_text", "?") + `
			ORDER BY rank DESC, ds.day_label DESC LIMIT ?`
		args = append([]interface{}{query, query}, args...)
		args = append(args, query, limit)
	} else {
		sqlQuery = `
			SELECT ` + prefixedChunkColumns + `, 0 AS rank, '' AS headline
			FROM transcript_chunks tc
			JOIN day_segments ds ON ds.id = tc.day_segment_id
			` + where + `
			  AND tc.content_text ` + dialect.Like(driver) + ` ?
			ORDER BY ds.day_label DESC LIMIT ?`
		args = append(args, "%"+query+"%", limit)
	}

	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(sqlQuery), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []repository.ChunkCandidate
	for rows.Next() {
		chunk := &models.TranscriptChunk{}
		var rank float64
		var headline string
		if err := scanChunkInto(rows, chunk, &rank, &headline); err != nil {
			return nil, err
		}
		result = append(result, repository.ChunkCandidate{Chunk: chunk, Rank: rank, Headline: headline})
	}
	return result, rows.Err()
}

// SemanticSearchSummaries returns the nearest ready day-summary embeddings by
// cosine distance. Backends without vector support return no candidates.
func (r *Repository) SemanticSearchSummaries(ctx context.Context, vector []float32, scope repository.SearchScope) ([]repository.SummarySemanticCandidate, error) {
	driver := r.driver()
	if !dialect.SupportsVector(driver) || len(vector) == 0 {
		return nil, nil
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	where, args := prefixedSummaryScopeWhere(scope)
	sqlQuery := `
		SELECT ` + prefixedSegmentColumns + `,
			` + dialect.VectorDistance(driver, "e.vector", "?") + ` AS distance
		FROM day_segments ds
		JOIN conversation_embeddings e
			ON e.kind = 'day_segment' AND e.parent_id = ds.id AND e.state = 'ready'
		` + where + ` AND ds.summary_markdown != ''
		ORDER BY distance ASC LIMIT ?`
	args = append([]interface{}{pgvector.NewVector(vector)}, args...)
	args = append(args, limit)

	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(sqlQuery), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []repository.SummarySemanticCandidate
	for rows.Next() {
		segment := &models.DaySegment{}
		var distance float64
		if err := scanSegmentInto(rows, segment, &distance); err != nil {
			return nil, err
		}
		result = append(result, repository.SummarySemanticCandidate{Segment: segment, Distance: distance})
	}
	return result, rows.Err()
}

// SemanticSearchChunks returns the nearest ready chunk embeddings by cosine
// distance.
func (r *Repository) SemanticSearchChunks(ctx context.Context, vector []float32, scope repository.SearchScope) ([]repository.ChunkSemanticCandidate, error) {
	driver := r.driver()
	if !dialect.SupportsVector(driver) || len(vector) == 0 {
		return nil, nil
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	where, args := chunkScopeWhere(scope)
	sqlQuery := `
		SELECT ` + prefixedChunkColumns + `,
			` + dialect.VectorDistance(driver, "e.vector", "?") + ` AS distance
		FROM transcript_chunks tc
		JOIN day_segments ds ON ds.id = tc.day_segment_id
		JOIN conversation_embeddings e
			ON e.kind = 'transcript_chunk' AND e.parent_id = tc.id AND e.state = 'ready'
		` + where + `
		ORDER BY distance ASC LIMIT ?`
	args = append([]interface{}{pgvector.NewVector(vector)}, args...)
	args = append(args, limit)

	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(sqlQuery), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []repository.ChunkSemanticCandidate
	for rows.Next() {
		chunk := &models.TranscriptChunk{}
		var distance float64
		if err := scanChunkInto(rows, chunk, &distance); err != nil {
			return nil, err
		}
		result = append(result, repository.ChunkSemanticCandidate{Chunk: chunk, Distance: distance})
	}
	return result, rows.Err()
}

const prefixedChunkColumns = `tc.id, tc.user_id, tc.thread_id, tc.day_segment_id,
	tc.start_message_id, tc.end_message_id, tc.content_text, tc.content_hash,
	tc.token_estimate, tc.created_at, tc.updated_at`

const prefixedSegmentColumns = `ds.id, ds.user_id, ds.thread_id, ds.day_label,
	ds.starts_at_message_id, ds.summary_markdown, ds.summary_until_message_id,
	ds.created_at, ds.updated_at`

func summaryScopeWhere(scope repository.SearchScope) (string, []interface{}) {
	where := ` WHERE user_id = ?`
	args := []interface{}{scope.UserID}
	if scope.ThreadID != "" {
		where += ` AND thread_id = ?`
		args = append(args, scope.ThreadID)
	}
	if scope.DayLabel != "" {
		where += ` AND day_label = ?`
		args = append(args, scope.DayLabel)
	} else if scope.SinceLabel != "" {
		where += ` AND day_label >= ?`
		args = append(args, scope.SinceLabel)
	}
	return where, args
}

func prefixedSummaryScopeWhere(scope repository.SearchScope) (string, []interface{}) {
	where := ` WHERE ds.user_id = ?`
	args := []interface{}{scope.UserID}
	if scope.ThreadID != "" {
		where += ` AND ds.thread_id = ?`
		args = append(args, scope.ThreadID)
	}
	if scope.DayLabel != "" {
		where += ` AND ds.day_label = ?`
		args = append(args, scope.DayLabel)
	} else if scope.SinceLabel != "" {
		where += ` AND ds.day_label >= ?`
		args = append(args, scope.SinceLabel)
	}
	return where, args
}

func chunkScopeWhere(scope repository.SearchScope) (string, []interface{}) {
	where := ` WHERE tc.user_id = ?`
	args := []interface{}{scope.UserID}
	if scope.ThreadID != "" {
		where += ` AND tc.thread_id = ?`
		args = append(args, scope.ThreadID)
	}
	if scope.DayLabel != "" {
		where += ` AND ds.day_label = ?`
		args = append(args, scope.DayLabel)
	} else if scope.SinceLabel != "" {
		where += ` AND ds.day_label >= ?`
		args = append(args, scope.SinceLabel)
	}
	return where, args
}

// scanSegmentInto scans the segment columns followed by any trailing computed
// columns (rank/headline or distance).
func scanSegmentInto(scanner interface{ Scan(dest ...any) error }, segment *models.DaySegment, extras ...any) error {
	dest := []any{&segment.ID, &segment.UserID, &segment.ThreadID,
		&segment.DayLabel, &segment.StartsAtMessageID, &segment.SummaryMarkdown,
		&segment.SummaryUntilMessageID, &segment.CreatedAt, &segment.UpdatedAt}
	dest = append(dest, extras...)
	return scanner.Scan(dest...)
}

func scanChunkInto(scanner interface{ Scan(dest ...any) error }, chunk *models.TranscriptChunk, extras ...any) error {
	dest := []any{&chunk.ID, &chunk.UserID, &chunk.ThreadID,
		&chunk.DaySegmentID, &chunk.StartMessageID, &chunk.EndMessageID,
		&chunk.ContentText, &chunk.ContentHash, &chunk.TokenEstimate,
		&chunk.CreatedAt, &chunk.UpdatedAt}
	dest = append(dest, extras...)
	return scanner.Scan(dest...)
}
