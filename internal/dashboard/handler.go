package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/exchange"
	"github.com/tidemark-sync/tidemark/internal/store"
)

// Source is the part of a store the handler watches.
type Source interface {
	Subscribe(kinds events.Kind, entityTypes ...string) *events.Subscription[events.Event]
	OnSync() *events.Subscription[*exchange.Report]
	Status(ctx context.Context) (*store.Status, error)
}

// EntityData describes one entity write.
type EntityData struct {
	Action   string `json:"action"`
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Group    string `json:"group"`
	Remote   bool   `json:"remote"`
}

// SyncData summarises an exchange round.
type SyncData struct {
	Sent       int           `json:"sent"`
	Applied    int           `json:"applied"`
	Stale      int           `json:"stale"`
	Duplicate  int           `json:"duplicate"`
	Deferred   int           `json:"deferred"`
	Suppressed int           `json:"suppressed"`
	Ignored    int           `json:"ignored"`
	Dropped    int           `json:"dropped"`
	Entities   []string      `json:"entities,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// StatsData contains store counters.
type StatsData struct {
	DeviceID string         `json:"device_id"`
	Entities map[string]int `json:"entities"`
	Pending  int            `json:"pending"`
	Deferred int            `json:"deferred"`
	Groups   int            `json:"groups"`
	State    string         `json:"state"`
}

// Handler forwards store events to a dashboard server.
type Handler struct {
	server *Server
	source Source
	logger *zap.Logger
}

// NewHandler creates a handler feeding server from source.
func NewHandler(server *Server, source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, source: source, logger: logger.Named("dashboard")}
}

// Run forwards events until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	entities := h.source.Subscribe(events.All)
	defer entities.Close()
	reports := h.source.OnSync()
	defer reports.Close()

	h.refreshStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-entities.C:
			if !ok {
				return
			}
			h.OnEntity(ev)
		case rep, ok := <-reports.C:
			if !ok {
				return
			}
			h.OnSync(rep)
			h.refreshStats(ctx)
		}
	}
}

// OnEntity broadcasts one entity write.
func (h *Handler) OnEntity(ev events.Event) {
	h.send(MessageTypeEntity, EntityData{
		Action:   ev.Kind.String(),
		Entity:   ev.Entity,
		RecordID: ev.RecordID,
		Group:    ev.Group,
		Remote:   ev.Remote,
	})
}

// OnSync broadcasts a round summary.
func (h *Handler) OnSync(rep *exchange.Report) {
	data := SyncData{
		Sent:       rep.Sent,
		Applied:    rep.Applied,
		Stale:      rep.Stale,
		Duplicate:  rep.Duplicate,
		Deferred:   rep.Deferred,
		Suppressed: rep.Suppressed,
		Ignored:    rep.Ignored,
		Dropped:    len(rep.Dropped),
		Entities:   rep.Entities(),
		Duration:   rep.Finished.Sub(rep.Started),
	}
	if rep.Err != nil {
		data.Error = rep.Err.Error()
	}
	h.send(MessageTypeSync, data)
}

func (h *Handler) refreshStats(ctx context.Context) {
	st, err := h.source.Status(ctx)
	if err != nil {
		h.logger.Warn("failed to collect stats", zap.Error(err))
		return
	}
	h.send(MessageTypeStats, StatsData{
		DeviceID: st.DeviceID,
		Entities: st.Entities,
		Pending:  st.Pending,
		Deferred: st.Deferred,
		Groups:   len(st.Groups),
		State:    st.Sync.String(),
	})
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
