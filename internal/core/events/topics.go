package events

import "Feedsync/internal/core/posts"

// Topics published on settlement of a mutation, or relayed from the
// server's event stream
const (
	TopicPostCreated      = "post.created"
	TopicPostUpdated      = "post.updated"
	TopicPostDeleted      = "post.deleted"
	TopicPostLiked        = "post.liked"
	TopicPostUnliked      = "post.unliked"
	TopicPostReposted     = "post.reposted"
	TopicPostUnreposted   = "post.unreposted"
	TopicPostSaved        = "post.saved"
	TopicPostUnsaved      = "post.unsaved"
	TopicAuthorFollowed   = "author.followed"
	TopicAuthorUnfollowed = "author.unfollowed"
	TopicCommentCreated   = "comment.created"
	TopicCommentDeleted   = "comment.deleted"
)

// ItemPayload carries the authoritative state of one item after a
// settled mutation. ViewerID is the acting user, used by the viewer-scoped
// feeds (liked, reposted, favorites).
type ItemPayload struct {
	ViewerID string
	Item     posts.FeedItem
}

// RemovedPayload identifies a deleted item. ParentID is set for comments.
type RemovedPayload struct {
	ParentID string
	ID       string
}

// FollowPayload identifies the followed or unfollowed author
type FollowPayload struct {
	ViewerID string
	AuthorID string
}
