package feed

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvable marks a permanently unparseable content reference. The
// workflow records the notification with a sentinel target so it is never
// retried.
var ErrUnresolvable = errors.New("feed: unresolvable content reference")

var statusRefPattern = regexp.MustCompile(`status(?:es)?/([A-Za-z0-9]+)`)

// ResolveRef extracts the canonical status ID from a notification. The feed
// historically delivers references in several shapes: a bare ID, a
// "status/<id>" path, or a full URL buried in the trigger text.
func ResolveRef(n Notification) (string, error) {
	for _, candidate := range []string{n.ContentRef, n.Trigger} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if m := statusRefPattern.FindStringSubmatch(candidate); m != nil {
			return m[1], nil
		}
		if isBareID(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnresolvable, n.ContentRef)
}

func isBareID(s string) bool {
	if s == "" || strings.ContainsAny(s, "/: ") {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// statusPayload covers the known historical shapes of the status endpoint.
// Author and image data has moved around across API revisions, so extraction
// tries each shape in order rather than optional-chaining ad hoc.
type statusPayload struct {
	ID          string         `json:"id"`
	CreatedAt   string         `json:"created_at"`
	AuthorID    string         `json:"author_id,omitempty"`
	AuthorName  string         `json:"author_name,omitempty"`
	User        *userRef       `json:"user,omitempty"`
	Status      *innerStatus   `json:"status,omitempty"`
	Retweeted   *statusPayload `json:"retweeted_status,omitempty"`
	PicURLs     []picURL       `json:"pic_urls,omitempty"`
	Images      []string       `json:"images,omitempty"`
	Media       *mediaBlock    `json:"media,omitempty"`
	Comments    []commentRef   `json:"comments,omitempty"`
	CommentList []commentRef   `json:"comment_list,omitempty"`
}

type userRef struct {
	ID   string `json:"id"`
	Name string `json:"screen_name"`
}

type innerStatus struct {
	User *userRef `json:"user,omitempty"`
}

type picURL struct {
	URL string `json:"thumbnail_pic"`
}

type mediaBlock struct {
	Attachments []mediaAttachment `json:"attachments,omitempty"`
}

type mediaAttachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type commentRef struct {
	User *userRef `json:"user,omitempty"`
}

// authorExtractor inspects one payload shape. First success wins.
type authorExtractor func(*statusPayload) (id, name string, ok bool)

var authorExtractors = []authorExtractor{
	func(p *statusPayload) (string, string, bool) {
		if p.User != nil && p.User.ID != "" {
			return p.User.ID, p.User.Name, true
		}
		return "", "", false
	},
	func(p *statusPayload) (string, string, bool) {
		if p.Status != nil && p.Status.User != nil && p.Status.User.ID != "" {
			return p.Status.User.ID, p.Status.User.Name, true
		}
		return "", "", false
	},
	func(p *statusPayload) (string, string, bool) {
		if p.AuthorID != "" {
			return p.AuthorID, p.AuthorName, true
		}
		return "", "", false
	},
	func(p *statusPayload) (string, string, bool) {
		if p.Retweeted != nil && p.Retweeted.User != nil && p.Retweeted.User.ID != "" {
			return p.Retweeted.User.ID, p.Retweeted.User.Name, true
		}
		return "", "", false
	},
}

func extractAuthor(p *statusPayload) (id, name string, ok bool) {
	for _, ex := range authorExtractors {
		if id, name, ok = ex(p); ok {
			return id, name, true
		}
	}
	return "", "", false
}

func extractImages(p *statusPayload) []Attachment {
	var imgs []Attachment
	for _, pic := range p.PicURLs {
		if pic.URL != "" {
			imgs = append(imgs, Attachment{URL: pic.URL, Kind: "image"})
		}
	}
	for _, u := range p.Images {
		if u != "" {
			imgs = append(imgs, Attachment{URL: u, Kind: "image"})
		}
	}
	if p.Media != nil {
		for _, a := range p.Media.Attachments {
			kind := a.Type
			if kind == "" || kind == "photo" {
				kind = "image"
			}
			imgs = append(imgs, Attachment{URL: a.URL, Kind: kind})
		}
	}
	return imgs
}

func extractReplies(p *statusPayload) []Reply {
	list := p.Comments
	if len(list) == 0 {
		list = p.CommentList
	}
	var replies []Reply
	for _, c := range list {
		if c.User != nil && c.User.ID != "" {
			replies = append(replies, Reply{AuthorID: c.User.ID})
		}
	}
	return replies
}
