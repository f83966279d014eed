package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectServiceRequest = `
	SELECT id, owner_id, requester_email, title, description, status, review_sent_at, created_at, updated_at
	FROM service_requests
`

func (s *PostgresStore) FindServiceRequest(ctx context.Context, ownerID, id string) (ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx, selectServiceRequest+` WHERE owner_id=$1 AND id=$2`, ownerID, id)
	item, err := scanServiceRequest(row)
	if err != nil {
		return ServiceRequest{}, err
	}
	docs, err := s.loadDocuments(ctx, []string{item.ID})
	if err != nil {
		return ServiceRequest{}, err
	}
	item.Documents = NewDocumentSet(docs[item.ID])
	return item, nil
}

func (s *PostgresStore) FindServiceRequests(ctx context.Context, ownerID string, ids []string) ([]ServiceRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryServiceRequests(ctx, selectServiceRequest+` WHERE owner_id=$1 AND id = ANY($2) ORDER BY created_at DESC`, ownerID, ids)
}

func (s *PostgresStore) ListServiceRequests(ctx context.Context, ownerID string) ([]ServiceRequest, error) {
	return s.queryServiceRequests(ctx, selectServiceRequest+` WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
}

func (s *PostgresStore) queryServiceRequests(ctx context.Context, query string, args ...any) ([]ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list service requests: %w", err)
	}
	defer rows.Close()

	items := make([]ServiceRequest, 0)
	ids := make([]string, 0)
	for rows.Next() {
		item, err := scanServiceRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service request: %w", err)
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service requests: %w", err)
	}

	docs, err := s.loadDocuments(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Documents = NewDocumentSet(docs[items[i].ID])
	}
	return items, nil
}

func (s *PostgresStore) loadDocuments(ctx context.Context, requestIDs []string) (map[string][]Document, error) {
	out := make(map[string][]Document, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_request_id, id, original_name, storage_url, storage_public_id, mime_type, size_bytes,
			review, suggestion, review_status, reviewed_at
		FROM service_documents
		WHERE service_request_id = ANY($1)
		ORDER BY service_request_id, position
	`, requestIDs)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			requestID  string
			doc        Document
			status     string
			reviewedAt sql.NullTime
		)
		if err := rows.Scan(
			&requestID, &doc.ID, &doc.OriginalName,
			&doc.Storage.URL, &doc.Storage.PublicID, &doc.Storage.MimeType, &doc.Storage.Size,
			&doc.Review, &doc.Suggestion, &status, &reviewedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.ReviewStatus = ReviewStatus(status)
		if reviewedAt.Valid {
			at := reviewedAt.Time
			doc.ReviewedAt = &at
		}
		out[requestID] = append(out[requestID], doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertServiceRequest(ctx context.Context, item ServiceRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert service request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := item.Status
	if status == "" {
		status = StatusPending
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO service_requests (id, owner_id, requester_email, title, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.OwnerID, item.RequesterEmail, item.Title, item.Description, string(status)); err != nil {
		return fmt.Errorf("insert service request: %w", err)
	}

	for position, doc := range item.Documents.All() {
		reviewStatus := doc.ReviewStatus
		if reviewStatus == "" {
			reviewStatus = ReviewPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_documents (
				service_request_id, id, position, original_name, storage_url, storage_public_id, mime_type, size_bytes, review_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, item.ID, doc.ID, position, doc.OriginalName, doc.Storage.URL, doc.Storage.PublicID, doc.Storage.MimeType, doc.Storage.Size, string(reviewStatus)); err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit service request: %w", err)
	}
	return nil
}

// SaveReview writes the review fields of every document plus the aggregate
// status in one transaction. Returns sql.ErrNoRows if the request is gone.
func (s *PostgresStore) SaveReview(ctx context.Context, item ServiceRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE service_requests
		SET status=$3, review_sent_at=$4, updated_at=NOW()
		WHERE owner_id=$1 AND id=$2
	`, item.OwnerID, item.ID, string(item.Status), nullTime(item.ReviewSentAt))
	if err != nil {
		return fmt.Errorf("update service request: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("update service request: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}

	for _, doc := range item.Documents.All() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_documents
			SET review=$3, suggestion=$4, review_status=$5, reviewed_at=$6
			WHERE service_request_id=$1 AND id=$2
		`, item.ID, doc.ID, doc.Review, doc.Suggestion, string(doc.ReviewStatus), nullTime(doc.ReviewedAt)); err != nil {
			return fmt.Errorf("update document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review: %w", err)
	}
	return nil
}

// DeleteServiceRequest removes the request; documents go with it through the
// foreign key cascade.
func (s *PostgresStore) DeleteServiceRequest(ctx context.Context, ownerID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_requests WHERE owner_id=$1 AND id=$2`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("delete service request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete service request: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteServiceRequests(ctx context.Context, ownerID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_requests WHERE owner_id=$1 AND id = ANY($2)`, ownerID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete service requests: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete service requests: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServiceRequest(row rowScanner) (ServiceRequest, error) {
	var (
		item         ServiceRequest
		status       string
		reviewSentAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.OwnerID, &item.RequesterEmail, &item.Title, &item.Description,
		&status, &reviewSentAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return ServiceRequest{}, err
	}
	item.Status = ServiceStatus(strings.TrimSpace(status))
	if reviewSentAt.Valid {
		at := reviewSentAt.Time
		item.ReviewSentAt = &at
	}
	return item, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
