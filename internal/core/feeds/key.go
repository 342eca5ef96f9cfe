package feeds

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Kind names one family of feeds
type Kind string

const (
	KindGlobal    Kind = "global"
	KindTop       Kind = "top"
	KindProfile   Kind = "profile"
	KindFavorites Kind = "favorites"
	KindLiked     Kind = "liked"
	KindReposted  Kind = "reposted"
	KindThread    Kind = "thread"
)

// ErrInvalidFeedKey is returned for unknown kinds or a missing/unexpected scope
var ErrInvalidFeedKey = errors.New("invalid feed key")

// FeedKey identifies one distinct scrollable collection.
// Scope is the owner (profile, favorites, liked, reposted) or the parent
// post (thread); global and top are unscoped.
type FeedKey struct {
	Kind  Kind
	Scope string
}

// Global is the site-wide chronological feed
func Global() FeedKey { return FeedKey{Kind: KindGlobal} }

// Top is the server-ranked feed
func Top() FeedKey { return FeedKey{Kind: KindTop} }

// Profile lists posts authored by owner
func Profile(owner string) FeedKey { return FeedKey{Kind: KindProfile, Scope: owner} }

// Favorites lists posts saved by owner
func Favorites(owner string) FeedKey { return FeedKey{Kind: KindFavorites, Scope: owner} }

// Liked lists posts liked by owner
func Liked(owner string) FeedKey { return FeedKey{Kind: KindLiked, Scope: owner} }

// Reposted lists posts reposted by owner
func Reposted(owner string) FeedKey { return FeedKey{Kind: KindReposted, Scope: owner} }

// Thread lists the comments of one post
func Thread(postID string) FeedKey { return FeedKey{Kind: KindThread, Scope: postID} }

func (k FeedKey) String() string {
	if k.Scope == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.Scope
}

// Validate checks the kind and its scope rules
func (k FeedKey) Validate() error {
	switch k.Kind {
	case KindGlobal, KindTop:
		if k.Scope != "" {
			return fmt.Errorf("%w: %s feed takes no scope", ErrInvalidFeedKey, k.Kind)
		}
	case KindProfile, KindFavorites, KindLiked, KindReposted:
		if k.Scope == "" {
			return fmt.Errorf("%w: %s feed requires an owner", ErrInvalidFeedKey, k.Kind)
		}
		if _, err := syntax.ParseAtIdentifier(k.Scope); err != nil {
			return fmt.Errorf("%w: owner %q is not a DID or handle: %v", ErrInvalidFeedKey, k.Scope, err)
		}
	case KindThread:
		if k.Scope == "" {
			return fmt.Errorf("%w: thread feed requires a post id", ErrInvalidFeedKey)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFeedKey, k.Kind)
	}
	return nil
}
