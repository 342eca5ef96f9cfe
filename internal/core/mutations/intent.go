package mutations

import (
	"errors"
	"fmt"

	"Feedsync/internal/core/posts"
)

// Kind names the user action behind an intent
type Kind string

const (
	KindLike     Kind = "like"
	KindUnlike   Kind = "unlike"
	KindRepost   Kind = "repost"
	KindUnrepost Kind = "unrepost"
	KindSave     Kind = "save"
	KindUnsave   Kind = "unsave"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
)

// Mutation classes. Kinds in one class share a sequence per target.
const (
	ClassLike    = "like"
	ClassRepost  = "repost"
	ClassSave    = "save"
	ClassFollow  = "follow"
	ClassContent = "content"
)

var (
	// ErrInvalidIntent is returned when an intent cannot be applied
	ErrInvalidIntent = errors.New("invalid mutation intent")
)

// Class returns the sequencing class of the kind
func (k Kind) Class() string {
	switch k {
	case KindLike, KindUnlike:
		return ClassLike
	case KindRepost, KindUnrepost:
		return ClassRepost
	case KindSave, KindUnsave:
		return ClassSave
	case KindFollow, KindUnfollow:
		return ClassFollow
	case KindCreate, KindUpdate, KindDelete:
		return ClassContent
	default:
		return ""
	}
}

// IsToggle reports whether the kind flips a viewer flag through
// POST /mutation/{kind}
func (k Kind) IsToggle() bool {
	switch k.Class() {
	case ClassLike, ClassRepost, ClassSave, ClassFollow:
		return true
	}
	return false
}

// Intent is one pending optimistic change.
//
// TargetID is the post or comment for every kind except follow and
// unfollow, where it is the author, and create, where it is empty.
// ParentID turns create into a comment on that post and delete into a
// comment deletion.
//
// Previous and Optimistic are filled in by Engine.Begin: Optimistic is
// applied to every cached copy before the request, Previous holds the values
// it replaced.
type Intent struct {
	Media      *posts.MediaRef
	Previous   posts.Patch
	Optimistic posts.Patch
	TargetID   string
	Kind       Kind
	Text       string
	ParentID   string
	Sequence   uint64
}

// Validate checks that the intent names a known kind with what it needs
func (i Intent) Validate() error {
	if i.Kind.Class() == "" {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, i.Kind)
	}

	switch i.Kind {
	case KindCreate:
		if i.TargetID != "" {
			return fmt.Errorf("%w: create takes no target", ErrInvalidIntent)
		}
		if i.ParentID != "" {
			return posts.CreateCommentRequest{PostID: i.ParentID, Text: i.Text}.Validate()
		}
		return posts.CreatePostRequest{Text: i.Text, Media: i.Media}.Validate()
	case KindUpdate:
		if i.TargetID == "" {
			return fmt.Errorf("%w: update requires a target", ErrInvalidIntent)
		}
		return posts.UpdatePostRequest{Text: i.Text, Media: i.Media}.Validate()
	default:
		if i.TargetID == "" {
			return fmt.Errorf("%w: %s requires a target", ErrInvalidIntent, i.Kind)
		}
	}
	return nil
}

// Status is how an intent was resolved
type Status int

const (
	// StatusConfirmed means the server accepted the change and its values
	// replaced the optimistic guess
	StatusConfirmed Status = iota + 1
	// StatusRolledBack means the request failed and the pre-mutation values were restored
	StatusRolledBack
	// StatusSuperseded means a later intent on the same target and class
	// was issued; this resolution applied nothing
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusSuperseded:
		return "superseded"
	default:
		return "pending"
	}
}

// Outcome is the resolution of one intent. Item holds the authoritative
// entity for create and update, and the reconciled cached copy for toggles
// when one exists.
type Outcome struct {
	Err    error
	Item   *posts.FeedItem
	Intent Intent
	Status Status
}
