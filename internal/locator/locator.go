// Package locator turns a document's stored metadata into an ordered list of
// URLs its bytes might be served from. Uploads landed under different resource
// classifications and visibility modes over time, so the canonical URL alone
// is not reliable. Cheap public guesses come before signed URLs.
package locator

import (
	"path"
	"regexp"
	"strings"
	"time"

	"servicedesk/api/internal/objectstore"
	"servicedesk/api/internal/store"
)

const StrategyStored = "stored"

type Candidate struct {
	Strategy string
	URL      string
}

type Locator struct {
	signer     objectstore.Signer
	privateTTL time.Duration
	now        func() time.Time
}

// New returns a locator. A nil signer limits output to the stored URL.
func New(signer objectstore.Signer, privateTTL time.Duration) *Locator {
	if privateTTL <= 0 {
		privateTTL = 10 * time.Minute
	}
	return &Locator{signer: signer, privateTTL: privateTTL, now: time.Now}
}

// Locate never fails; with nothing derivable it returns the stored URL alone.
func (l *Locator) Locate(doc store.Document) []Candidate {
	list := candidateList{seen: map[string]struct{}{}}
	list.add(StrategyStored, strings.TrimSpace(doc.Storage.URL))

	publicID := strings.TrimSpace(doc.Storage.PublicID)
	if l.signer == nil || publicID == "" {
		return list.items
	}

	base := BasePublicID(publicID)
	ext := Extension(doc)
	version := Version(doc.Storage.URL)

	for _, class := range objectstore.Classifications {
		list.add("public/"+string(class), l.deliveryURL(objectstore.URLOptions{
			PublicID: base, Classification: class, Delivery: objectstore.DeliveryPublic,
		}))
	}
	if ext != "" {
		for _, class := range objectstore.Classifications {
			list.add("public/"+string(class)+"+ext", l.deliveryURL(objectstore.URLOptions{
				PublicID: base, Classification: class, Delivery: objectstore.DeliveryPublic, Extension: ext,
			}))
		}
	}
	for _, class := range objectstore.Classifications {
		for _, delivery := range objectstore.Deliveries {
			list.add("signed/"+string(class)+"/"+string(delivery), l.deliveryURL(objectstore.URLOptions{
				PublicID:       base,
				Classification: class,
				Delivery:       delivery,
				Version:        version,
				Extension:      ext,
				Signed:         true,
			}))
		}
	}
	expiresAt := l.now().Add(l.privateTTL)
	for _, class := range objectstore.Classifications {
		u, err := l.signer.PrivateDownloadURL(base, class, ext, expiresAt)
		if err == nil {
			list.add("private-download/"+string(class), u)
		}
	}
	return list.items
}

func (l *Locator) deliveryURL(opts objectstore.URLOptions) string {
	u, err := l.signer.DeliveryURL(opts)
	if err != nil {
		return ""
	}
	return u
}

type candidateList struct {
	items []Candidate
	seen  map[string]struct{}
}

func (c *candidateList) add(strategy, url string) {
	if url == "" {
		return
	}
	if _, dup := c.seen[url]; dup {
		return
	}
	c.seen[url] = struct{}{}
	c.items = append(c.items, Candidate{Strategy: strategy, URL: url})
}

var (
	extPattern     = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)
	versionSegment = regexp.MustCompile(`/v(\d+)/`)
)

var mimeExtensions = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.ms-excel":                                                  "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.ms-powerpoint":                                             "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.oasis.opendocument.text":                                   "odt",
	"application/vnd.oasis.opendocument.spreadsheet":                            "ods",
	"application/vnd.oasis.opendocument.presentation":                           "odp",
	"application/rtf": "rtf",
	"text/rtf":        "rtf",
	"text/plain":      "txt",
	"text/csv":        "csv",
}

func fileExt(name string) string {
	ext := path.Ext(strings.TrimSpace(name))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// BasePublicID strips a trailing extension from the last path segment.
func BasePublicID(publicID string) string {
	ext := path.Ext(publicID)
	if extPattern.MatchString(ext) {
		return strings.TrimSuffix(publicID, ext)
	}
	return publicID
}

// Extension prefers the original filename, then the public id, then the mime type.
func Extension(doc store.Document) string {
	if ext := fileExt(doc.OriginalName); ext != "" {
		return ext
	}
	if ext := fileExt(doc.Storage.PublicID); ext != "" {
		return ext
	}
	mime := strings.ToLower(strings.TrimSpace(doc.Storage.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mimeExtensions[mime]
}

// Version extracts the digits of a /vNNN/ segment, used to pin signed URLs.
func Version(storedURL string) string {
	match := versionSegment.FindStringSubmatch(storedURL)
	if match == nil {
		return ""
	}
	return match[1]
}
