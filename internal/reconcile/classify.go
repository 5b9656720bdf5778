package reconcile

import (
	"github.com/slipstream/dlsync/internal/downloader/identifier"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
)

// Category is the outcome of classifying one download in a pass.
type Category string

const (
	CategoryCompleted  Category = "completed"
	CategoryFailed     Category = "failed"
	CategoryMissing    Category = "missing"
	CategoryUnreported Category = "unreported"
	CategoryUntouched  Category = "untouched"
)

type decision struct {
	category Category
	live     LiveTorrent
}

// classify picks exactly one category, in priority order. Only unfinished
// downloads are passed in, so both terminal markers are nil.
func classify(dl *downloads.Download, live map[string]LiveTorrent, unreported map[string]struct{}) decision {
	lt, found := live[identifier.Normalize(dl.DownloadClientID)]
	switch {
	case found && lt.Status.State.IsDone():
		return decision{category: CategoryCompleted, live: lt}
	case found && lt.Status.State == types.StatusError && dl.ErrorMessage == nil:
		return decision{category: CategoryFailed, live: lt}
	case found:
		return decision{category: CategoryUntouched, live: lt}
	}

	if _, silent := unreported[dl.DownloadClient]; silent {
		return decision{category: CategoryUnreported}
	}
	if dl.CompletedAt == nil && dl.ErrorMessage == nil {
		return decision{category: CategoryMissing}
	}
	return decision{category: CategoryUntouched}
}
