package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skysnapco/skyreply/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.FeedConfig{
		BaseURL:        srv.URL,
		AccessToken:    "test-token",
		HTTPTimeoutSec: 5,
	})
}

func TestFetchPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications/mentions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mentions":[
			{"id":42,"actor":{"id":"u7","screen_name":"Seven"},"status_ref":"status/opus9","text":"@bot what cloud?"},
			{"id":43,"status_ref":"","text":"nothing here"}
		]}`))
	})

	notifs, err := c.FetchPending(context.Background())
	if err != nil {
		t.Fatalf("FetchPending error: %v", err)
	}
	if len(notifs) != 2 {
		t.Fatalf("len = %d, want 2", len(notifs))
	}
	if notifs[0].ID != 42 || notifs[0].SourceActor != "u7" || notifs[0].ContentRef != "status/opus9" {
		t.Errorf("notifs[0] = %+v", notifs[0])
	}
}

func TestFetchPendingServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchPending(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestFetchDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/statuses/opus9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "opus9",
			"created_at": "2026-08-29T08:00:00Z",
			"user": {"id": "u100", "screen_name": "Author"},
			"pic_urls": [{"thumbnail_pic": "https://img/sky.jpg"}],
			"comments": [{"user": {"id": "someone"}}]
		}`))
	})

	detail, found, err := c.FetchDetail(context.Background(), "opus9")
	if err != nil {
		t.Fatalf("FetchDetail error: %v", err)
	}
	if !found {
		t.Fatal("detail should be found")
	}
	if detail.AuthorID != "u100" || detail.AuthorName != "Author" {
		t.Errorf("author = %s/%s", detail.AuthorID, detail.AuthorName)
	}
	if len(detail.Images()) != 1 {
		t.Errorf("images = %v", detail.Attachments)
	}
	if detail.PublishedAt.IsZero() {
		t.Error("PublishedAt should parse")
	}
	if !detail.HasReplyFrom("someone") {
		t.Error("existing reply not extracted")
	}
}

func TestFetchDetailAbsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, found, err := c.FetchDetail(context.Background(), "gone")
	if err != nil {
		t.Fatalf("FetchDetail error: %v", err)
	}
	if found {
		t.Error("deleted content should be absent, not an error")
	}
}

func TestPublishTextOnly(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/statuses/opus9/replies" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.Publish(context.Background(), "opus9", "cumulus 90%", ""); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if !strings.Contains(gotBody, "cumulus 90%") {
		t.Errorf("body = %q", gotBody)
	}
}

func TestPublishWithMedia(t *testing.T) {
	mediaPath := filepath.Join(t.TempDir(), "card.png")
	if err := os.WriteFile(mediaPath, []byte("fake png"), 0644); err != nil {
		t.Fatalf("write media: %v", err)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("text"); got != "hello" {
			t.Errorf("text = %q", got)
		}
		if _, _, err := r.FormFile("media"); err != nil {
			t.Errorf("media file: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Publish(context.Background(), "opus9", "hello", mediaPath); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

func TestPublishFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.Publish(context.Background(), "opus9", "text", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestParseCreatedAtLayouts(t *testing.T) {
	if parseCreatedAt("2026-08-29T08:00:00Z").IsZero() {
		t.Error("RFC3339 layout should parse")
	}
	if parseCreatedAt("Sat Aug 29 08:00:00 +0800 2026").IsZero() {
		t.Error("legacy layout should parse")
	}
	if !parseCreatedAt("not a date").IsZero() {
		t.Error("garbage should come back zero")
	}
}
