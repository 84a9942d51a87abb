package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skysnapco/skyreply/internal/config"
)

// Client implements Source, ContentRepo and Publisher against the social
// HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg config.FeedConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		http: &http.Client{
			Timeout: time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		},
	}
}

type mentionsResponse struct {
	Mentions []struct {
		ID        int64    `json:"id"`
		Actor     *userRef `json:"actor"`
		StatusRef string   `json:"status_ref"`
		Text      string   `json:"text"`
	} `json:"mentions"`
}

// FetchPending returns the unhandled mentions in feed order.
func (c *Client) FetchPending(ctx context.Context) ([]Notification, error) {
	var resp mentionsResponse
	if err := c.getJSON(ctx, "/api/v1/notifications/mentions", &resp); err != nil {
		return nil, err
	}

	notifs := make([]Notification, 0, len(resp.Mentions))
	for _, m := range resp.Mentions {
		n := Notification{
			ID:         m.ID,
			ContentRef: m.StatusRef,
			Trigger:    m.Text,
		}
		if m.Actor != nil {
			n.SourceActor = m.Actor.ID
		}
		notifs = append(notifs, n)
	}
	return notifs, nil
}

// FetchDetail resolves one status. Deleted or private statuses come back as
// absent, not as an error.
func (c *Client) FetchDetail(ctx context.Context, ref string) (ContentDetail, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/statuses/"+ref, nil, "")
	if err != nil {
		return ContentDetail{}, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ContentDetail{}, false, fmt.Errorf("%w: fetch status %s: %v", ErrUnavailable, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return ContentDetail{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return ContentDetail{}, false, fmt.Errorf("%w: fetch status %s: http %d", ErrUnavailable, ref, resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ContentDetail{}, false, fmt.Errorf("%w: decode status %s: %v", ErrUnavailable, ref, err)
	}

	detail := ContentDetail{
		Ref:         ref,
		Attachments: extractImages(&payload),
		Replies:     extractReplies(&payload),
		PublishedAt: parseCreatedAt(payload.CreatedAt),
	}
	if id, name, ok := extractAuthor(&payload); ok {
		detail.AuthorID = id
		detail.AuthorName = name
	}
	return detail, true, nil
}

// Publish posts a reply on ref. With a media path it uploads multipart;
// otherwise plain JSON.
func (c *Client) Publish(ctx context.Context, ref, text, mediaPath string) error {
	path := "/api/v1/statuses/" + ref + "/replies"

	var req *http.Request
	var err error
	if mediaPath == "" {
		body, merr := json.Marshal(map[string]string{"text": text})
		if merr != nil {
			return fmt.Errorf("encode reply: %w", merr)
		}
		req, err = c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	} else {
		var buf bytes.Buffer
		var contentType string
		contentType, err = writeMultipart(&buf, text, mediaPath)
		if err != nil {
			return err
		}
		req, err = c.newRequest(ctx, http.MethodPost, path, &buf, contentType)
	}
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: publish reply on %s: %v", ErrUnavailable, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: publish reply on %s: http %d", ErrUnavailable, ref, resp.StatusCode)
	}
	return nil
}

func writeMultipart(buf *bytes.Buffer, text, mediaPath string) (string, error) {
	w := multipart.NewWriter(buf)
	if err := w.WriteField("text", text); err != nil {
		return "", fmt.Errorf("write reply field: %w", err)
	}

	f, err := os.Open(mediaPath)
	if err != nil {
		return "", fmt.Errorf("open media %s: %w", mediaPath, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile("media", filepath.Base(mediaPath))
	if err != nil {
		return "", fmt.Errorf("create media part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy media: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish multipart: %w", err)
	}
	return w.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d", ErrUnavailable, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// createdAt has drifted across API revisions; try the known layouts.
var createdAtLayouts = []string{
	time.RFC3339,
	"Mon Jan 02 15:04:05 -0700 2006",
}

func parseCreatedAt(s string) time.Time {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if s != "" {
		log.Printf("[feed] unrecognized created_at %q", s)
	}
	return time.Time{}
}
