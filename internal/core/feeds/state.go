package feeds

// State is the load state of one feed store
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateLoaded
	StateLoadingMore
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadingMore:
		return "loading_more"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Busy reports whether a page request is in flight
func (s State) Busy() bool {
	return s == StateLoading || s == StateLoadingMore
}

// PageCursor tracks pagination progress. PageNumber is the last page
// loaded (0 before the first load). TotalKnown is the server's item count
// adjusted by local prepends and removals.
type PageCursor struct {
	PageNumber int
	PageSize   int
	TotalKnown int
}

// Change describes a store after a state or content change
type Change struct {
	Err        error
	Key        FeedKey
	LastID     string
	State      State
	Len        int
	Generation uint64
}
