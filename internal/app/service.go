package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"servicedesk/api/internal/auth"
	"servicedesk/api/internal/cleanup"
	"servicedesk/api/internal/config"
	"servicedesk/api/internal/email"
	"servicedesk/api/internal/fetch"
	"servicedesk/api/internal/hints"
	"servicedesk/api/internal/locator"
	"servicedesk/api/internal/objectstore"
	"servicedesk/api/internal/store"
	"servicedesk/api/internal/stream"
	"servicedesk/api/internal/util"
)

// Admin is the caller identified by a bearer token. Its ID is the owner key
// for every service request it can see.
type Admin struct {
	ID    string
	Email string
	Name  string
}

type DocumentInput struct {
	OriginalName string `json:"originalName"`
	URL          string `json:"url"`
	PublicID     string `json:"publicId"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

type CreateServiceRequestInput struct {
	RequesterEmail string          `json:"requesterEmail"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Documents      []DocumentInput `json:"documents"`
}

type ReviewInput struct {
	DocumentID   string `json:"documentId"`
	Review       string `json:"review"`
	Suggestion   string `json:"suggestion"`
	ReviewStatus string `json:"reviewStatus"`
}

type ReviewResult struct {
	ServiceRequest store.ServiceRequest
	EmailSent      bool
}

type DeleteResult struct {
	Deleted int
	Cleanup cleanup.Report
}

// DocumentStream is an open upstream body plus what the proxy needs to
// describe it. The caller must close Source.Body.
type DocumentStream struct {
	Source   stream.Source
	Meta     stream.Meta
	Strategy string
}

type dataStore interface {
	FindServiceRequest(context.Context, string, string) (store.ServiceRequest, error)
	FindServiceRequests(context.Context, string, []string) ([]store.ServiceRequest, error)
	ListServiceRequests(context.Context, string) ([]store.ServiceRequest, error)
	SearchServiceRequests(context.Context, string, string, int) ([]store.ServiceRequest, error)
	InsertServiceRequest(context.Context, store.ServiceRequest) error
	SaveReview(context.Context, store.ServiceRequest) error
	DeleteServiceRequest(context.Context, string, string) (bool, error)
	DeleteServiceRequests(context.Context, string, []string) (int, error)
	Ping(ctx context.Context) error
}

type documentLocator interface {
	Locate(store.Document) []locator.Candidate
}

type documentFetcher interface {
	Fetch(context.Context, string, []locator.Candidate) (*fetch.Result, error)
}

type notifier interface {
	Send(context.Context, email.Message) bool
}

type cleaner interface {
	Cleanup(context.Context, ...store.ServiceRequest) cleanup.Report
}

type pinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	locator documentLocator
	fetcher documentFetcher
	mailer  notifier
	cleaner cleaner
	hints   pinger
	logger  *slog.Logger
	now     func() time.Time
}

// Dependencies are the collaborators main wires in. Nil fields are allowed:
// a nil Provider disables document retrieval, a nil Mailer disables
// notifications.
type Dependencies struct {
	Provider objectstore.Provider
	Fetcher  *fetch.Fetcher
	Mailer   *email.Service
	Cleaner  *cleanup.Coordinator
	Hints    *hints.RedisStore
	Logger   *slog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		logger: logger,
		now:    time.Now,
	}
	if deps.Provider != nil {
		svc.locator = locator.New(deps.Provider, cfg.Storage.PrivateURLTTL)
	}
	if deps.Fetcher != nil {
		svc.fetcher = deps.Fetcher
	}
	if deps.Mailer != nil && deps.Mailer.IsConfigured() {
		svc.mailer = deps.Mailer
	}
	if deps.Cleaner != nil {
		svc.cleaner = deps.Cleaner
	}
	if deps.Hints != nil {
		svc.hints = deps.Hints
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingHints reports whether the location hint cache is enabled and, if so,
// whether it answers.
func (s *Service) PingHints(ctx context.Context) (bool, error) {
	if s.hints == nil {
		return false, nil
	}
	return true, s.hints.Ping(ctx)
}

// AdminFromToken verifies a bearer token. It does not consult the database.
func (s *Service) AdminFromToken(token string) (Admin, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Admin{}, err
	}
	return Admin{ID: claims.Sub, Email: claims.Email, Name: claims.Name}, nil
}

// ListServiceRequests returns the owner's requests, ranked by relevance when
// query is not blank.
func (s *Service) ListServiceRequests(ctx context.Context, ownerID, query string, limit int) ([]map[string]any, error) {
	var (
		items []store.ServiceRequest
		err   error
	)
	if strings.TrimSpace(query) == "" {
		items, err = s.store.ListServiceRequests(ctx, ownerID)
	} else {
		items, err = s.store.SearchServiceRequests(ctx, ownerID, query, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, serviceRequestPayload(item))
	}
	return out, nil
}

func (s *Service) GetServiceRequest(ctx context.Context, ownerID, id string) (map[string]any, error) {
	item, err := s.findServiceRequest(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return serviceRequestPayload(item), nil
}

func (s *Service) CreateServiceRequest(ctx context.Context, ownerID string, input CreateServiceRequestInput) (map[string]any, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, validationError("owner is required")
	}
	item, err := buildServiceRequest(ownerID, input, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertServiceRequest(ctx, item); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "service request created",
		"service_request_id", item.ID,
		"owner_id", ownerID,
		"documents", item.Documents.Len(),
	)
	return serviceRequestPayload(item), nil
}

// SubmitPublicServiceRequest files an anonymous submission under the
// configured intake owner.
func (s *Service) SubmitPublicServiceRequest(ctx context.Context, input CreateServiceRequestInput) (map[string]any, error) {
	owner := strings.TrimSpace(s.cfg.IntakeOwnerID)
	if owner == "" {
		return nil, domainError(http.StatusServiceUnavailable, codeIntakeUnavailable, "Public intake is not configured", nil)
	}
	created, err := s.CreateServiceRequest(ctx, owner, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": created["id"], "status": created["status"]}, nil
}

func buildServiceRequest(ownerID string, input CreateServiceRequestInput, now time.Time) (store.ServiceRequest, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.ServiceRequest{}, validationError("title is required")
	}
	requester := strings.TrimSpace(input.RequesterEmail)
	addr, err := mail.ParseAddress(requester)
	if err != nil {
		return store.ServiceRequest{}, validationError("requesterEmail must be a valid email address")
	}
	if len(input.Documents) == 0 {
		return store.ServiceRequest{}, validationError("at least one document is required")
	}

	docs := make([]store.Document, 0, len(input.Documents))
	for i, doc := range input.Documents {
		publicID := strings.TrimSpace(doc.PublicID)
		if publicID == "" {
			return store.ServiceRequest{}, domainError(http.StatusBadRequest, codeValidation, "documents[].publicId is required",
				map[string]any{"index": i})
		}
		docs = append(docs, store.Document{
			ID:           util.NewID("doc"),
			OriginalName: strings.TrimSpace(doc.OriginalName),
			Storage: store.StorageRef{
				URL:      strings.TrimSpace(doc.URL),
				PublicID: publicID,
				MimeType: strings.TrimSpace(doc.MimeType),
				Size:     doc.Size,
			},
			ReviewStatus: store.ReviewPending,
		})
	}

	item := store.ServiceRequest{
		ID:             util.NewID("sr"),
		OwnerID:        ownerID,
		RequesterEmail: addr.Address,
		Title:          title,
		Description:    strings.TrimSpace(input.Description),
		Documents:      store.NewDocumentSet(docs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	item.Status = store.DeriveStatus(item.Documents)
	return item, nil
}

// OpenDocument resolves a document's bytes through the candidate chain.
func (s *Service) OpenDocument(ctx context.Context, ownerID, serviceID, documentID string) (*DocumentStream, error) {
	item, err := s.findServiceRequest(ctx, ownerID, serviceID)
	if err != nil {
		return nil, err
	}
	doc, ok := item.Documents.Lookup(documentID)
	if !ok {
		return nil, notFoundError("Document")
	}
	if s.locator == nil || s.fetcher == nil {
		return nil, domainError(http.StatusInternalServerError, codeConfiguration, "Document storage is not configured", nil)
	}

	candidates := s.locator.Locate(doc)
	result, err := s.fetcher.Fetch(ctx, doc.Storage.PublicID, candidates)
	if err != nil {
		var retrievalErr *fetch.RetrievalError
		switch {
		case errors.As(err, &retrievalErr):
			s.logger.WarnContext(ctx, "document retrieval failed",
				"service_request_id", serviceID,
				"document_id", documentID,
				"attempts", len(retrievalErr.Trail),
			)
			return nil, domainError(http.StatusBadGateway, codeRetrievalFailed, "Document could not be retrieved from storage",
				map[string]any{"trail": retrievalErr.Trail})
		case errors.Is(err, fetch.ErrNoCandidates):
			return nil, domainError(http.StatusInternalServerError, codeConfiguration, "Document has no retrievable storage location", nil)
		}
		return nil, err
	}

	return &DocumentStream{
		Source: stream.Source{
			Body:          result.Body,
			ContentType:   result.ContentType,
			ContentLength: result.ContentLength,
		},
		Meta: stream.Meta{
			Filename: firstNonBlank(doc.OriginalName, lastSegment(doc.Storage.PublicID)),
			MimeType: doc.Storage.MimeType,
		},
		Strategy: result.Strategy,
	}, nil
}

// Review applies a batch of document reviews, recomputes the aggregate status
// and then notifies the requester. Notification failure only clears EmailSent.
func (s *Service) Review(ctx context.Context, reviewer Admin, serviceID string, reviews []ReviewInput, emailMessage string) (ReviewResult, error) {
	item, err := s.findServiceRequest(ctx, reviewer.ID, serviceID)
	if err != nil {
		return ReviewResult{}, err
	}
	if len(reviews) == 0 {
		return ReviewResult{}, validationError("reviews must not be empty")
	}

	now := s.now().UTC()
	updated := item.Clone()
	matched := applyReviews(updated.Documents, reviews, now)
	if matched == 0 {
		return ReviewResult{}, validationError("no valid document reviews found")
	}
	updated.Status = store.DeriveStatus(updated.Documents)
	updated.ReviewSentAt = &now
	updated.UpdatedAt = now

	if err := s.store.SaveReview(ctx, updated); err != nil {
		return ReviewResult{}, err
	}
	s.logger.InfoContext(ctx, "service request reviewed",
		"service_request_id", updated.ID,
		"documents_reviewed", matched,
		"status", updated.Status,
	)

	sent := s.notifyReview(ctx, reviewer, updated, emailMessage)
	return ReviewResult{ServiceRequest: updated, EmailSent: sent}, nil
}

// applyReviews mutates docs by position and returns how many entries matched.
func applyReviews(docs store.DocumentSet, reviews []ReviewInput, now time.Time) int {
	matched := 0
	for _, input := range reviews {
		i, ok := docs.Index(strings.TrimSpace(input.DocumentID))
		if !ok {
			continue
		}
		doc := docs.At(i)
		doc.Review = strings.TrimSpace(input.Review)
		doc.Suggestion = strings.TrimSpace(input.Suggestion)
		if status := store.ReviewStatus(strings.TrimSpace(input.ReviewStatus)); status.Valid() {
			doc.ReviewStatus = status
		}
		reviewedAt := now
		doc.ReviewedAt = &reviewedAt
		docs.Set(i, doc)
		matched++
	}
	return matched
}

func (s *Service) notifyReview(ctx context.Context, reviewer Admin, item store.ServiceRequest, emailMessage string) bool {
	if s.mailer == nil || strings.TrimSpace(item.RequesterEmail) == "" {
		return false
	}
	rows := make([]email.DocumentReview, 0, item.Documents.Len())
	for _, doc := range item.Documents.All() {
		rows = append(rows, email.DocumentReview{
			Name:       firstNonBlank(doc.OriginalName, doc.Storage.PublicID),
			Status:     string(doc.ReviewStatus),
			Review:     doc.Review,
			Suggestion: doc.Suggestion,
		})
	}
	reviewedAt := ""
	if item.ReviewSentAt != nil {
		reviewedAt = item.ReviewSentAt.Format("2006-01-02 15:04 MST")
	}
	html, err := email.RenderReviewNotification(email.ReviewNotificationData{
		Title:      item.Title,
		Status:     string(item.Status),
		Message:    strings.TrimSpace(emailMessage),
		Documents:  rows,
		ReviewedAt: reviewedAt,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "review notification not rendered", "service_request_id", item.ID, "err", err)
		return false
	}
	return s.mailer.Send(ctx, email.Message{
		To:      []string{item.RequesterEmail},
		Cc:      s.cfg.Notify.Cc,
		Subject: email.ReviewSubject(item.Title),
		HTML:    html,
		ReplyTo: firstNonBlank(s.cfg.Notify.ReplyTo, reviewer.Email),
	})
}

// DeleteServiceRequest removes stored objects best effort, then the record.
func (s *Service) DeleteServiceRequest(ctx context.Context, ownerID, id string) (DeleteResult, error) {
	item, err := s.findServiceRequest(ctx, ownerID, id)
	if err != nil {
		return DeleteResult{}, err
	}
	report := s.cleanup(ctx, item)

	deleted, err := s.store.DeleteServiceRequest(ctx, ownerID, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if !deleted {
		return DeleteResult{}, notFoundError("Service request")
	}
	s.logger.InfoContext(ctx, "service request deleted",
		"service_request_id", id,
		"objects_deleted", report.Deleted,
		"cleanup_warnings", len(report.Warnings),
	)
	return DeleteResult{Deleted: 1, Cleanup: report}, nil
}

// BulkDelete deletes every listed request the owner holds. Unknown ids are ignored.
func (s *Service) BulkDelete(ctx context.Context, ownerID string, ids []string) (DeleteResult, error) {
	ids = uniqueNonBlank(ids)
	if len(ids) == 0 {
		return DeleteResult{}, validationError("ids must not be empty")
	}
	items, err := s.store.FindServiceRequests(ctx, ownerID, ids)
	if err != nil {
		return DeleteResult{}, err
	}
	report := s.cleanup(ctx, items...)

	deleted, err := s.store.DeleteServiceRequests(ctx, ownerID, ids)
	if err != nil {
		return DeleteResult{}, err
	}
	s.logger.InfoContext(ctx, "service requests deleted",
		"requested", len(ids),
		"deleted", deleted,
		"objects_deleted", report.Deleted,
		"cleanup_warnings", len(report.Warnings),
	)
	return DeleteResult{Deleted: deleted, Cleanup: report}, nil
}

func (s *Service) cleanup(ctx context.Context, items ...store.ServiceRequest) cleanup.Report {
	if s.cleaner == nil {
		return cleanup.Report{}
	}
	return s.cleaner.Cleanup(ctx, items...)
}

func (s *Service) findServiceRequest(ctx context.Context, ownerID, id string) (store.ServiceRequest, error) {
	item, err := s.store.FindServiceRequest(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ServiceRequest{}, notFoundError("Service request")
		}
		return store.ServiceRequest{}, fmt.Errorf("find service request: %w", err)
	}
	return item, nil
}

func serviceRequestPayload(item store.ServiceRequest) map[string]any {
	docs := make([]map[string]any, 0, item.Documents.Len())
	for _, doc := range item.Documents.All() {
		docs = append(docs, map[string]any{
			"id":           doc.ID,
			"originalName": doc.OriginalName,
			"storage": map[string]any{
				"url":      doc.Storage.URL,
				"publicId": doc.Storage.PublicID,
				"mimeType": doc.Storage.MimeType,
				"size":     doc.Storage.Size,
			},
			"review":       doc.Review,
			"suggestion":   doc.Suggestion,
			"reviewStatus": doc.ReviewStatus,
			"reviewedAt":   timeOrNil(doc.ReviewedAt),
		})
	}
	return map[string]any{
		"id":             item.ID,
		"ownerId":        item.OwnerID,
		"requesterEmail": item.RequesterEmail,
		"title":          item.Title,
		"description":    item.Description,
		"status":         item.Status,
		"reviewSentAt":   timeOrNil(item.ReviewSentAt),
		"createdAt":      item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      item.UpdatedAt.UTC().Format(time.RFC3339),
		"documents":      docs,
	}
}

func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}

func uniqueNonBlank(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func lastSegment(value string) string {
	if i := strings.LastIndexByte(value, '/'); i >= 0 {
		return value[i+1:]
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
