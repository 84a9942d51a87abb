// Package feed defines the collaborator capabilities the workflow consumes
// (mention feed, content lookup, reply publishing) and an HTTP client that
// implements them against the social API.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient feed/content/publish failures. The workflow
// leaves the affected notification unprocessed so it retries next cycle.
var ErrUnavailable = errors.New("feed: service unavailable")

// Notification is one inbound mention event.
type Notification struct {
	ID          int64  `json:"id"`
	SourceActor string `json:"sourceActor"`
	ContentRef  string `json:"contentRef"`
	Trigger     string `json:"trigger"`
}

// Attachment is one media item on a content post.
type Attachment struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // "image", "video", ...
}

// Reply identifies an existing reply's author, used to spot prior replies
// from the bot's own account.
type Reply struct {
	AuthorID string `json:"authorId"`
}

// ContentDetail is the resolved content a notification points at.
type ContentDetail struct {
	Ref         string
	AuthorID    string
	AuthorName  string
	PublishedAt time.Time
	Attachments []Attachment
	Replies     []Reply
}

// Images returns the image attachments only.
func (d ContentDetail) Images() []Attachment {
	var imgs []Attachment
	for _, a := range d.Attachments {
		if a.Kind == "image" {
			imgs = append(imgs, a)
		}
	}
	return imgs
}

// HasReplyFrom reports whether authorID already replied on this content.
func (d ContentDetail) HasReplyFrom(authorID string) bool {
	for _, r := range d.Replies {
		if r.AuthorID == authorID {
			return true
		}
	}
	return false
}

// Source drains the pending mention feed.
type Source interface {
	FetchPending(ctx context.Context) ([]Notification, error)
}

// ContentRepo fetches content detail for a resolved reference. The second
// return is false when the content does not exist (deleted, private).
type ContentRepo interface {
	FetchDetail(ctx context.Context, ref string) (ContentDetail, bool, error)
}

// Publisher posts the reply. mediaPath may be empty for text-only replies.
type Publisher interface {
	Publish(ctx context.Context, ref, text, mediaPath string) error
}
