package api

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/reconcile"
)

// untrackedReporter logs torrents the backends report that dlsync does not
// track. Adoption is left to the operator.
type untrackedReporter struct {
	logger zerolog.Logger
}

func newUntrackedReporter(logger zerolog.Logger) *untrackedReporter {
	return &untrackedReporter{logger: logger.With().Str("component", "untracked").Logger()}
}

func (r *untrackedReporter) MatchUntracked(_ context.Context, live map[string]reconcile.LiveTorrent, tracked map[string]struct{}) {
	perClient := make(map[string]int)
	for id, lt := range live {
		if _, ok := tracked[id]; ok {
			continue
		}
		perClient[lt.Client]++
	}
	for client, n := range perClient {
		r.logger.Debug().Str("client", client).Int("count", n).Msg("Download client reports untracked torrents")
	}
}
