package posts

// Patch is a partial update of a FeedItem. Nil fields are left untouched.
type Patch struct {
	Text           *string
	Media          *MediaRef
	LikeCount      *int
	CommentCount   *int
	RepostCount    *int
	Liked          *bool
	Saved          *bool
	Reposted       *bool
	AuthorFollowed *bool
	Deleting       *bool

	// CommentDelta is added to CommentCount after the absolute fields are
	// applied. Used when a settlement only knows that a reply was added.
	CommentDelta int
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n
func Int(n int) *int { return &n }

// String returns a pointer to s
func String(s string) *string { return &s }

// IsEmpty reports whether applying the patch would change nothing
func (p Patch) IsEmpty() bool {
	return p.Text == nil && p.Media == nil && p.LikeCount == nil &&
		p.CommentCount == nil && p.RepostCount == nil && p.Liked == nil &&
		p.Saved == nil && p.Reposted == nil && p.AuthorFollowed == nil &&
		p.Deleting == nil && p.CommentDelta == 0
}

// Apply merges the patch into item and returns the result
func (p Patch) Apply(item FeedItem) FeedItem {
	if p.Text != nil {
		item.Text = *p.Text
	}
	if p.Media != nil {
		m := *p.Media
		item.Media = &m
	}
	if p.LikeCount != nil {
		item.LikeCount = *p.LikeCount
	}
	if p.CommentCount != nil {
		item.CommentCount = *p.CommentCount
	}
	if p.RepostCount != nil {
		item.RepostCount = *p.RepostCount
	}
	if p.Liked != nil {
		item.Liked = *p.Liked
	}
	if p.Saved != nil {
		item.Saved = *p.Saved
	}
	if p.Reposted != nil {
		item.Reposted = *p.Reposted
	}
	if p.AuthorFollowed != nil {
		item.AuthorFollowed = *p.AuthorFollowed
	}
	if p.Deleting != nil {
		item.Deleting = *p.Deleting
	}
	if p.CommentDelta != 0 {
		item.CommentCount += p.CommentDelta
		if item.CommentCount < 0 {
			item.CommentCount = 0
		}
	}
	return item
}

// Fill returns p with every field it leaves unset taken from q.
// CommentDelta is kept from p.
func (p Patch) Fill(q Patch) Patch {
	if p.Text == nil {
		p.Text = q.Text
	}
	if p.Media == nil {
		p.Media = q.Media
	}
	if p.LikeCount == nil {
		p.LikeCount = q.LikeCount
	}
	if p.CommentCount == nil {
		p.CommentCount = q.CommentCount
	}
	if p.RepostCount == nil {
		p.RepostCount = q.RepostCount
	}
	if p.Liked == nil {
		p.Liked = q.Liked
	}
	if p.Saved == nil {
		p.Saved = q.Saved
	}
	if p.Reposted == nil {
		p.Reposted = q.Reposted
	}
	if p.AuthorFollowed == nil {
		p.AuthorFollowed = q.AuthorFollowed
	}
	if p.Deleting == nil {
		p.Deleting = q.Deleting
	}
	return p
}
