package syncserver

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/transport"
)

// DefaultPageSize bounds the records returned per group and request.
const DefaultPageSize = 1000

// maxRequest caps the accepted request body.
const maxRequest = 32 << 20

// Options configures a Server.
type Options struct {
	// AppKey, when set, must match the X-Application-Key header.
	AppKey   string
	PageSize int
	Logger   *zap.Logger
}

// Server answers sync requests from a Log.
type Server struct {
	log    Log
	opts   Options
	logger *zap.Logger
	router *mux.Router
}

// New returns a server over log.
func New(log Log, opts Options) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{log: log, opts: opts, logger: opts.Logger.Named("syncserver")}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	head, err := s.log.Head(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "head": head})
}

// handleSync stores the device's records, then answers every group in the
// request with the records other devices wrote after its tidemark.
//
// The tidemark returned is the last sequence delivered when the page is
// full, and the log head otherwise, so records the device wrote itself are
// skipped over rather than re-sent.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.opts.AppKey != "" && r.Header.Get(transport.HeaderAppKey) != s.opts.AppKey {
		respondError(w, http.StatusUnauthorized, "invalid application key")
		return
	}

	var req transport.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequest)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	account := r.Header.Get(transport.HeaderAccountKey)
	if account == "" {
		account = req.AccountKey
	}

	ctx := r.Context()
	if err := s.log.Append(ctx, account, req.Changes); err != nil {
		s.logger.Error("append failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store changes")
		return
	}
	head, err := s.log.Head(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	names := make([]string, 0, len(req.Groups))
	for name := range req.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := transport.Response{Groups: make(map[string]transport.GroupChanges, len(names))}
	for _, name := range names {
		after := req.Groups[name].Tidemark
		changes, err := s.log.Since(ctx, Query{
			Account: account,
			Group:   name,
			After:   after,
			UpTo:    head,
			Limit:   s.opts.PageSize + 1,
		})
		if err != nil {
			s.logger.Error("query failed", zap.String("group", name), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to read changes")
			return
		}

		gc := transport.GroupChanges{Tidemark: head, Changes: changes}
		if len(changes) > s.opts.PageSize {
			gc.Changes = changes[:s.opts.PageSize]
			gc.More = true
			gc.Tidemark = gc.Changes[len(gc.Changes)-1].Seq
		}
		if gc.Tidemark < after {
			gc.Tidemark = after
		}
		if gc.Changes == nil {
			gc.Changes = []transport.Change{}
		}
		resp.Groups[name] = gc
	}

	s.logger.Debug("sync",
		zap.String("device", req.DeviceID),
		zap.Int("received", len(req.Changes)),
		zap.Int("groups", len(names)))
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
