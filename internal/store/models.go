package store

import "time"

type ServiceStatus string

const (
	StatusPending  ServiceStatus = "pending"
	StatusInReview ServiceStatus = "in-review"
	StatusReviewed ServiceStatus = "reviewed"
)

type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewReviewed    ReviewStatus = "reviewed"
	ReviewNeedsUpdate ReviewStatus = "needs-update"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewReviewed, ReviewNeedsUpdate:
		return true
	default:
		return false
	}
}

type StorageRef struct {
	URL      string
	PublicID string
	MimeType string
	Size     int64
}

type Document struct {
	ID           string
	OriginalName string
	Storage      StorageRef
	Review       string
	Suggestion   string
	ReviewStatus ReviewStatus
	ReviewedAt   *time.Time
}

type ServiceRequest struct {
	ID             string
	OwnerID        string
	RequesterEmail string
	Title          string
	Description    string
	Documents      DocumentSet
	Status         ServiceStatus
	ReviewSentAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a copy whose document set can be mutated independently.
func (r ServiceRequest) Clone() ServiceRequest {
	out := r
	out.Documents = NewDocumentSet(r.Documents.All())
	if r.ReviewSentAt != nil {
		sent := *r.ReviewSentAt
		out.ReviewSentAt = &sent
	}
	return out
}

// DocumentSet keeps documents in insertion order with an id index built once.
// Callers resolve an id to a position and mutate through that position.
type DocumentSet struct {
	items []Document
	index map[string]int
}

func NewDocumentSet(docs []Document) DocumentSet {
	set := DocumentSet{
		items: make([]Document, len(docs)),
		index: make(map[string]int, len(docs)),
	}
	for i, doc := range docs {
		set.items[i] = cloneDocument(doc)
		if _, seen := set.index[doc.ID]; !seen {
			set.index[doc.ID] = i
		}
	}
	return set
}

func (s DocumentSet) Len() int { return len(s.items) }

func (s DocumentSet) Index(id string) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

func (s DocumentSet) At(i int) Document { return cloneDocument(s.items[i]) }

func (s DocumentSet) Set(i int, doc Document) { s.items[i] = cloneDocument(doc) }

func (s DocumentSet) Lookup(id string) (Document, bool) {
	i, ok := s.index[id]
	if !ok {
		return Document{}, false
	}
	return s.At(i), true
}

func (s DocumentSet) All() []Document {
	out := make([]Document, len(s.items))
	for i, doc := range s.items {
		out[i] = cloneDocument(doc)
	}
	return out
}

// DeriveStatus computes the aggregate status: reviewed when no document is
// pending, in-review once any document has been touched, otherwise pending.
func DeriveStatus(docs DocumentSet) ServiceStatus {
	if docs.Len() == 0 {
		return StatusPending
	}
	allDone := true
	touched := false
	for _, doc := range docs.items {
		if doc.ReviewStatus == ReviewPending || doc.ReviewStatus == "" {
			allDone = false
		} else {
			touched = true
		}
		if doc.ReviewedAt != nil {
			touched = true
		}
	}
	switch {
	case allDone:
		return StatusReviewed
	case touched:
		return StatusInReview
	default:
		return StatusPending
	}
}

func cloneDocument(doc Document) Document {
	if doc.ReviewedAt != nil {
		at := *doc.ReviewedAt
		doc.ReviewedAt = &at
	}
	return doc
}
