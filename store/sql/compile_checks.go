package sqlstore

import "github.com/goliatone/go-syncpipe/core"

var (
	_ core.InboxStore      = (*InboxStore)(nil)
	_ core.SyncQueue       = (*QueueStore)(nil)
	_ core.DeadLetterStore = (*DeadLetterStore)(nil)
	_ core.ReportStore     = (*ReportStore)(nil)
	_ core.StoreProvider   = (*RepositoryFactory)(nil)
)
