package posts

import (
	"time"
)

// AuthorRef is the minimal author information carried by every feed item
type AuthorRef struct {
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
}

// MediaRef points at media owned by the external media service.
// The engine never dereferences it.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// FeedItem is the rendering-ready view of a post or comment.
// Items are ordered by CreatedAt, newest first.
type FeedItem struct {
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Media          *MediaRef  `json:"media,omitempty"`
	ParentID       *string    `json:"parentId,omitempty"` // set on comments
	Author         AuthorRef  `json:"author"`
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	LikeCount      int        `json:"likeCount"`
	CommentCount   int        `json:"commentCount"`
	RepostCount    int        `json:"repostCount"`
	Liked          bool       `json:"liked"`
	Saved          bool       `json:"saved"`
	Reposted       bool       `json:"reposted"`
	AuthorFollowed bool       `json:"authorFollowed"`

	// Deleting is local-only: a delete for this item is in flight.
	Deleting bool `json:"-"`
}

// IsComment reports whether the item is a reply in a comment thread
func (i FeedItem) IsComment() bool {
	return i.ParentID != nil && *i.ParentID != ""
}

// Clone returns a copy that shares no pointers with the receiver
func (i FeedItem) Clone() FeedItem {
	out := i
	if i.EditedAt != nil {
		t := *i.EditedAt
		out.EditedAt = &t
	}
	if i.Media != nil {
		m := *i.Media
		out.Media = &m
	}
	if i.ParentID != nil {
		p := *i.ParentID
		out.ParentID = &p
	}
	if i.Author.DisplayName != nil {
		n := *i.Author.DisplayName
		out.Author.DisplayName = &n
	}
	if i.Author.Avatar != nil {
		a := *i.Author.Avatar
		out.Author.Avatar = &a
	}
	return out
}

// User is a search suggestion returned by the user lookup endpoint
type User struct {
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
}

// CreatePostRequest is the body of POST /posts
type CreatePostRequest struct {
	Media *MediaRef `json:"media,omitempty"`
	Text  string    `json:"text"`
}

// UpdatePostRequest is the body of PUT /posts/{id}
type UpdatePostRequest struct {
	Media *MediaRef `json:"media,omitempty"`
	Text  string    `json:"text"`
}

// CreateCommentRequest is the body of POST /comments
type CreateCommentRequest struct {
	PostID string `json:"postId"`
	Text   string `json:"text"`
}
