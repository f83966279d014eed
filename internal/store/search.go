package store

import (
	"context"
	"strings"
)

// searchVector must match the expression indexed by migration 0002 so the
// planner can use the GIN index.
const searchVector = `to_tsvector('simple', coalesce(title, '') || ' ' || coalesce(description, '') || ' ' || coalesce(requester_email, ''))`

// SearchServiceRequests ranks the owner's requests against a plain-text query.
// A blank query behaves like ListServiceRequests.
func (s *PostgresStore) SearchServiceRequests(ctx context.Context, ownerID, text string, limit int) ([]ServiceRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.ListServiceRequests(ctx, ownerID)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.queryServiceRequests(ctx, selectServiceRequest+`
		WHERE owner_id=$1 AND `+searchVector+` @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(`+searchVector+`, plainto_tsquery('simple', $2)) DESC, created_at DESC
		LIMIT $3`, ownerID, text, limit)
}
