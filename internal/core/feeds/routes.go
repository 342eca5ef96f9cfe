package feeds

import (
	"fmt"

	"Feedsync/internal/core/events"
	"Feedsync/internal/core/posts"
)

// route binds one topic to the way a store reacts to it
type route struct {
	apply func(s *Store, ev events.Event) error
	topic string
}

// routesFor returns the subscriptions a store with key needs.
// Every handler is idempotent: the engine may already have patched the
// registry before the event is published.
func routesFor(key FeedKey) []route {
	routes := []route{
		{topic: events.TopicPostUpdated, apply: applyUpdated},
		{topic: events.TopicPostDeleted, apply: applyRemoved},
		{topic: events.TopicPostLiked, apply: applyCounts},
		{topic: events.TopicPostUnliked, apply: applyCounts},
		{topic: events.TopicPostReposted, apply: applyCounts},
		{topic: events.TopicPostUnreposted, apply: applyCounts},
		{topic: events.TopicCommentCreated, apply: applyCommentCreated},
		{topic: events.TopicCommentDeleted, apply: applyCommentDeleted},
	}

	switch key.Kind {
	case KindGlobal:
		routes = append(routes, route{topic: events.TopicPostCreated, apply: applyCreatedGlobal})
	case KindProfile:
		routes = append(routes, route{topic: events.TopicPostCreated, apply: applyCreatedByOwner})
	case KindLiked:
		routes = append(routes,
			route{topic: events.TopicPostLiked, apply: applyViewerAdded},
			route{topic: events.TopicPostUnliked, apply: applyViewerRemoved})
	case KindReposted:
		routes = append(routes,
			route{topic: events.TopicPostReposted, apply: applyViewerAdded},
			route{topic: events.TopicPostUnreposted, apply: applyViewerRemoved})
	case KindFavorites:
		routes = append(routes,
			route{topic: events.TopicPostSaved, apply: applyViewerAdded},
			route{topic: events.TopicPostUnsaved, apply: applyViewerRemoved})
	}
	return routes
}

func itemPayload(ev events.Event) (events.ItemPayload, error) {
	switch p := ev.Payload.(type) {
	case events.ItemPayload:
		return p, nil
	case *events.ItemPayload:
		if p != nil {
			return *p, nil
		}
	}
	return events.ItemPayload{}, fmt.Errorf("topic %s: unexpected payload %T", ev.Topic, ev.Payload)
}

func removedPayload(ev events.Event) (events.RemovedPayload, error) {
	switch p := ev.Payload.(type) {
	case events.RemovedPayload:
		return p, nil
	case *events.RemovedPayload:
		if p != nil {
			return *p, nil
		}
	}
	return events.RemovedPayload{}, fmt.Errorf("topic %s: unexpected payload %T", ev.Topic, ev.Payload)
}

func applyUpdated(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	patch := posts.Patch{Text: posts.String(p.Item.Text)}
	if p.Item.Media != nil {
		patch.Media = p.Item.Media
	}
	s.Patch(p.Item.ID, patch)
	return nil
}

func applyRemoved(s *Store, ev events.Event) error {
	p, err := removedPayload(ev)
	if err != nil {
		return err
	}
	s.Remove(p.ID)
	return nil
}

// applyCounts copies server counters only. Viewer flags in a relayed event
// belong to whoever acted, not necessarily to this client's viewer.
func applyCounts(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	s.Patch(p.Item.ID, posts.Patch{
		LikeCount:   posts.Int(p.Item.LikeCount),
		RepostCount: posts.Int(p.Item.RepostCount),
	})
	return nil
}

func applyCreatedGlobal(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	if p.Item.IsComment() {
		return nil
	}
	s.Prepend(p.Item)
	return nil
}

func applyCreatedByOwner(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	if p.Item.IsComment() || p.Item.Author.ID != s.key.Scope {
		return nil
	}
	s.Prepend(p.Item)
	return nil
}

func applyViewerAdded(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	// Settlements of items no store had cached carry no timestamp and
	// cannot be placed; the next reload brings them in.
	if p.ViewerID != s.key.Scope || p.Item.CreatedAt.IsZero() {
		return nil
	}
	s.Prepend(p.Item)
	return nil
}

func applyViewerRemoved(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	if p.ViewerID != s.key.Scope {
		return nil
	}
	s.Remove(p.Item.ID)
	return nil
}

// applyCommentCreated bumps the parent's counter wherever it is held and
// prepends the comment to the parent's thread
func applyCommentCreated(s *Store, ev events.Event) error {
	p, err := itemPayload(ev)
	if err != nil {
		return err
	}
	if !p.Item.IsComment() {
		return nil
	}
	parent := *p.Item.ParentID
	if s.key.Kind == KindThread && s.key.Scope == parent {
		s.Prepend(p.Item)
	}
	s.Patch(parent, posts.Patch{CommentDelta: 1})
	return nil
}

func applyCommentDeleted(s *Store, ev events.Event) error {
	p, err := removedPayload(ev)
	if err != nil {
		return err
	}
	s.Remove(p.ID)
	if p.ParentID != "" {
		s.Patch(p.ParentID, posts.Patch{CommentDelta: -1})
	}
	return nil
}
