package dashboard

import (
	"context"
	"log"
	"time"

	"github.com/fieldmark/farmsync/internal/daemon"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/sync"
)

// SyncCompleteData summarizes a finished cycle.
type SyncCompleteData struct {
	Pulled         int           `json:"pulled"`
	Applied        int           `json:"applied"`
	DiscardedLocal int           `json:"discardedLocal"`
	Pushed         int           `json:"pushed"`
	Acknowledged   int           `json:"acknowledged"`
	Purged         int           `json:"purged"`
	Watermark      time.Time     `json:"watermark"`
	Duration       time.Duration `json:"duration"`
}

// RecordChangeData describes one committed change.
type RecordChangeData struct {
	Seq   uint64      `json:"seq"`
	Table string      `json:"table"`
	ID    string      `json:"id"`
	Op    db.ChangeOp `json:"op"`
}

// StatsData holds per-table counts.
type StatsData struct {
	Tables []db.Stats `json:"tables"`
	Dirty  int        `json:"dirty"`
}

// Handler turns store and daemon events into dashboard messages.
type Handler struct {
	server *Server
	store  *db.DB
	logger *log.Logger
}

// NewHandler creates a handler broadcasting through server. store may be
// nil, in which case no stats are sent.
func NewHandler(server *Server, store *db.DB, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{server: server, store: store, logger: logger}
}

// Attach subscribes the handler to store commits.
func (h *Handler) Attach() (detach func()) {
	if h.store == nil {
		return func() {}
	}
	return h.store.Subscribe(h.OnCommit)
}

// OnCommit broadcasts each change of a commit. It runs under the store's
// write lock, so it only queues messages.
func (h *Handler) OnCommit(ev db.CommitEvent) {
	for _, c := range ev.Changes {
		h.send(MessageTypeRecordChange, RecordChangeData{Seq: ev.Seq, Table: c.Table, ID: c.ID, Op: c.Op})
	}
}

// OnStatusChange broadcasts a daemon status change.
func (h *Handler) OnStatusChange(s daemon.Status) {
	h.send(MessageTypeSyncStatus, s)
}

// OnSyncComplete broadcasts a cycle summary followed by fresh stats.
func (h *Handler) OnSyncComplete(r *sync.CycleResult) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Pulled:         r.Pulled,
		Applied:        r.Applied,
		DiscardedLocal: r.DiscardedLocal,
		Pushed:         r.Pushed(),
		Acknowledged:   r.Acknowledged,
		Purged:         r.Purged,
		Watermark:      r.Watermark,
		Duration:       r.Duration,
	})
	h.BroadcastStats(context.Background())
}

// BroadcastStats reads per-table counts and broadcasts them.
func (h *Handler) BroadcastStats(ctx context.Context) {
	if h.store == nil {
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read stats: %v", err)
		return
	}
	data := StatsData{Tables: stats}
	for _, s := range stats {
		data.Dirty += s.Dirty
	}
	h.send(MessageTypeStats, data)
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("%v", err)
		return
	}
	h.server.Broadcast(msg)
}
