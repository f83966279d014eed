package objectstore

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

type CloudConfig struct {
	Name         string
	APIKey       string
	APISecret    string
	DeliveryHost string
	APIHost      string
}

// Cloud talks to a Cloudinary-compatible media service: delivery URLs are
// computed locally and deletions go through the signed admin upload API.
type Cloud struct {
	cfg    CloudConfig
	client *http.Client
	now    func() time.Time
}

func NewCloud(cfg CloudConfig, client *http.Client) (*Cloud, error) {
	if cfg.Name == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}
	if cfg.DeliveryHost == "" {
		cfg.DeliveryHost = "https://res.cloudinary.com"
	}
	if cfg.APIHost == "" {
		cfg.APIHost = "https://api.cloudinary.com"
	}
	cfg.DeliveryHost = strings.TrimRight(cfg.DeliveryHost, "/")
	cfg.APIHost = strings.TrimRight(cfg.APIHost, "/")
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Cloud{cfg: cfg, client: client, now: time.Now}, nil
}

// DeliveryURL renders
// <host>/<cloud>/<class>/<delivery>/[s--SIG--/][v<version>/]<publicId>[.<ext>].
func (c *Cloud) DeliveryURL(opts URLOptions) (string, error) {
	if opts.PublicID == "" {
		return "", fmt.Errorf("delivery url: public id is required")
	}
	class := opts.Classification
	if class == "" {
		class = ClassRaw
	}
	delivery := opts.Delivery
	if delivery == "" {
		delivery = DeliveryPublic
	}

	asset := escapePath(withExtension(opts.PublicID, opts.Extension))
	tail := asset
	if opts.Version != "" {
		tail = "v" + opts.Version + "/" + tail
	}
	// The signature covers the asset path only, never the version segment.
	if opts.Signed {
		tail = c.urlSignature(asset) + "/" + tail
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.cfg.DeliveryHost, url.PathEscape(c.cfg.Name), class, delivery, tail), nil
}

// PrivateDownloadURL returns an API download link for a private-type asset
// that authenticates with the account key and stops working at expiresAt.
// Upload and authenticated assets are reached through signed delivery URLs.
func (c *Cloud) PrivateDownloadURL(publicID string, class Classification, format string, expiresAt time.Time) (string, error) {
	if publicID == "" {
		return "", fmt.Errorf("private download url: public id is required")
	}
	params := map[string]string{
		"public_id":  publicID,
		"type":       string(DeliveryPrivate),
		"timestamp":  strconv.FormatInt(c.now().Unix(), 10),
		"expires_at": strconv.FormatInt(expiresAt.Unix(), 10),
	}
	if format != "" {
		params["format"] = strings.TrimPrefix(format, ".")
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("signature", c.apiSignature(params))
	query.Set("api_key", c.cfg.APIKey)
	return fmt.Sprintf("%s/v1_1/%s/%s/download?%s", c.cfg.APIHost, url.PathEscape(c.cfg.Name), class, query.Encode()), nil
}

func (c *Cloud) Delete(ctx context.Context, publicID string, class Classification) (DeleteResult, error) {
	params := map[string]string{
		"public_id":  publicID,
		"timestamp":  strconv.FormatInt(c.now().Unix(), 10),
		"invalidate": "true",
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("signature", c.apiSignature(params))
	form.Set("api_key", c.cfg.APIKey)

	endpoint := fmt.Sprintf("%s/v1_1/%s/%s/destroy", c.cfg.APIHost, url.PathEscape(c.cfg.Name), class)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build destroy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("destroy %s/%s: %w", class, publicID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read destroy response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return DeleteNotFound, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("destroy %s/%s: status %d: %s", class, publicID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode destroy response: %w", err)
	}
	switch payload.Result {
	case string(Deleted):
		return Deleted, nil
	case string(DeleteNotFound):
		return DeleteNotFound, nil
	default:
		return "", fmt.Errorf("destroy %s/%s: unexpected result %q", class, publicID, payload.Result)
	}
}

// urlSignature is the short delivery signature: the first 8 characters of the
// url-safe base64 SHA-1 of the signed path tail followed by the secret.
func (c *Cloud) urlSignature(tail string) string {
	sum := sha1.Sum([]byte(tail + c.cfg.APISecret))
	encoded := base64.URLEncoding.EncodeToString(sum[:])
	return "s--" + encoded[:8] + "--"
}

// apiSignature signs API parameters sorted by key as k=v pairs joined by &.
func (c *Cloud) apiSignature(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.cfg.APISecret))
	return hex.EncodeToString(sum[:])
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
