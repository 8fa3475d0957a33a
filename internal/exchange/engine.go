// Package exchange runs sync rounds against the remote service.
//
// A round moves through the states
//
//	Idle -> BuildingRequest -> AwaitingResponse -> ApplyingChanges -> Idle
//
// and falls back through Failed to Idle when the service cannot be reached
// or answers with something unreadable. Local writes keep going during a
// round: the write lock is only taken to merge one group's records, and the
// unsent queue is cleared only after the service accepted the batch.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/groups"
	"github.com/tidemark-sync/tidemark/internal/merge"
	"github.com/tidemark-sync/tidemark/internal/transport"
)

// Transport carries one request to the service and returns its answer.
// Implementations return *TransportError or *ProtocolError on failure.
type Transport interface {
	Exchange(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// WriteLocker serializes the merge passes with local commits.
type WriteLocker interface {
	WithWriteLock(fn func() error) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	DB        *db.DB
	Groups    *groups.Registry
	Resolver  *merge.Resolver
	Envelope  *envelope.Envelope
	Transport Transport
	Lock      WriteLocker
	// Events receives one Remote event per applied record. Optional.
	Events *events.Hub[events.Event]
}

// Engine runs exchange rounds, on demand or from its scheduler.
type Engine struct {
	deps   Deps
	config *Config
	logger *zap.Logger

	stateMu sync.Mutex
	state   State

	flight   singleflight.Group
	inflight atomic.Bool
	stopping atomic.Bool
	interval atomic.Int64

	reports *events.Hub[*Report]

	// scheduler
	schedMu    sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	backoff    time.Duration
	retryAfter time.Time
}

// New returns an engine using the default configuration.
func New(deps Deps) (*Engine, error) {
	return NewWithConfig(deps, DefaultConfig())
}

// NewWithConfig returns an engine with custom configuration.
func NewWithConfig(deps Deps, config *Config) (*Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if deps.Groups == nil || deps.Resolver == nil || deps.Envelope == nil || deps.Lock == nil {
		return nil, fmt.Errorf("groups, resolver, envelope and lock are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		deps:    deps,
		config:  config,
		logger:  config.Logger.Named("exchange"),
		reports: events.NewHub[*Report](),
	}
	e.interval.Store(int64(config.DefaultInterval))
	return e, nil
}

// SetDefaultInterval changes the poll interval of groups subscribed without
// a frequency. It takes effect on the next scheduler tick.
func (e *Engine) SetDefaultInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultConfig().DefaultInterval
	}
	e.interval.Store(int64(d))
}

// DefaultInterval returns the current default poll interval.
func (e *Engine) DefaultInterval() time.Duration {
	return time.Duration(e.interval.Load())
}

// SetTransport replaces the transport. A nil transport makes every round
// fail with a TransportError.
func (e *Engine) SetTransport(t Transport) {
	e.stateMu.Lock()
	e.deps.Transport = t
	e.stateMu.Unlock()
}

// State returns the current state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Subscribe returns a handle receiving one Report per completed round.
// Close the handle to unregister.
func (e *Engine) Subscribe(buffer int) *events.Subscription[*Report] {
	return e.reports.Subscribe(buffer, nil)
}

// SyncNow runs a round and waits for it. Concurrent callers, including the
// scheduler, share the round in flight.
func (e *Engine) SyncNow(ctx context.Context) (*Report, error) {
	v, err, _ := e.flight.Do("round", func() (any, error) {
		rep := e.round(ctx)
		return rep, rep.Err
	})
	rep, _ := v.(*Report)
	return rep, err
}

func (e *Engine) transitionTo(newState State) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if err := e.state.validateTransitionTo(newState); err != nil {
		return err
	}
	e.state = newState
	e.logger.Debug("state transitioned", zap.Stringer("new_state", newState))
	return nil
}

// mustTransition is used for transitions the round itself sequences; a
// failure is a programming error in the round.
func (e *Engine) mustTransition(newState State) {
	if err := e.transitionTo(newState); err != nil {
		panic(err)
	}
}

func (e *Engine) round(ctx context.Context) *Report {
	e.inflight.Store(true)
	defer e.inflight.Store(false)

	rep := &Report{Started: e.config.Now()}
	defer func() {
		rep.Finished = e.config.Now()
		e.reports.Publish(rep)
	}()

	e.mustTransition(BuildingRequest)
	req, err := e.buildRequest(ctx)
	if err != nil {
		e.fail(rep, err)
		return rep
	}

	e.mustTransition(AwaitingResponse)
	e.stateMu.Lock()
	tr := e.deps.Transport
	e.stateMu.Unlock()
	if tr == nil {
		e.fail(rep, &TransportError{Err: errors.New("no transport configured")})
		return rep
	}
	resp, err := tr.Exchange(ctx, req)
	if err == nil {
		if resp == nil {
			err = &ProtocolError{Err: errors.New("empty response")}
		} else if verr := resp.Validate(); verr != nil {
			err = &ProtocolError{Err: verr}
		}
	}
	if err != nil {
		e.fail(rep, err)
		return rep
	}

	e.mustTransition(ApplyingChanges)
	// a merge pass is never interrupted once the response is in hand
	applyCtx := context.WithoutCancel(ctx)

	if err := e.clearSent(applyCtx, req.Changes); err != nil {
		e.fail(rep, err)
		return rep
	}
	rep.Sent = len(req.Changes)

	names := make([]string, 0, len(req.Groups))
	for name := range req.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if e.stopping.Load() {
			e.logger.Info("stop requested, leaving remaining groups for the next round")
			break
		}
		if err := e.applyGroup(applyCtx, rep, name, resp.Groups[name]); err != nil {
			e.fail(rep, fmt.Errorf("failed to merge group %s: %w", name, err))
			return rep
		}
	}

	e.mustTransition(Idle)
	e.logger.Info("round complete",
		zap.Int("sent", rep.Sent),
		zap.Int("applied", rep.Applied),
		zap.Int("stale", rep.Stale),
		zap.Int("deferred", rep.Deferred),
		zap.Int("dropped", len(rep.Dropped)))
	return rep
}

func (e *Engine) fail(rep *Report, err error) {
	rep.Err = err
	e.mustTransition(Failed)
	e.logger.Warn("round failed", zap.Error(err))
	e.mustTransition(Idle)
}

func (e *Engine) buildRequest(ctx context.Context) (*transport.Request, error) {
	r := e.deps.DB.Reader()
	pending, err := r.PendingChanges(ctx, e.config.BatchSize)
	if err != nil {
		return nil, err
	}
	list, err := e.deps.Groups.List(ctx)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{
		AppKey:     e.config.AppKey,
		AccountKey: e.config.AccountKey,
		DeviceID:   e.config.DeviceID,
		Extra:      e.config.Extra,
		Groups:     make(map[string]transport.GroupSummary, len(list)),
		Changes:    pending,
	}
	for _, g := range list {
		hash, err := e.summaryHash(ctx, g.Name)
		if err != nil {
			return nil, err
		}
		req.Groups[g.Name] = transport.GroupSummary{Tidemark: g.Tidemark, Hash: hash}
	}
	return req, nil
}

// summaryHash digests the keys stored locally for a group so the service can
// tell whether the device is missing rows without listing them.
func (e *Engine) summaryHash(ctx context.Context, group string) (string, error) {
	keys, err := e.deps.DB.Reader().GroupEntityKeys(ctx, group)
	if err != nil {
		return "", err
	}
	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64()), nil
}

func (e *Engine) clearSent(ctx context.Context, sent []change.Record) error {
	if len(sent) == 0 {
		return nil
	}
	ids := make([]string, len(sent))
	for i, r := range sent {
		ids[i] = r.ID
	}
	return e.deps.Lock.WithWriteLock(func() error {
		return e.deps.DB.WithTx(ctx, func(tx *db.Tx) error {
			return tx.DeleteChanges(ctx, ids)
		})
	})
}

// applyGroup merges one group's records in a single transaction.
func (e *Engine) applyGroup(ctx context.Context, rep *Report, name string, gc transport.GroupChanges) error {
	if !e.deps.Groups.Has(name) {
		e.logger.Debug("skipping group no longer subscribed", zap.String("group", name))
		return nil
	}

	incoming, tidemark := e.decrypt(ctx, rep, gc)
	sort.Slice(incoming, func(i, j int) bool {
		return change.Less(incoming[i].Record, incoming[j].Record)
	})

	var (
		local   Report
		touched []events.Event
	)
	err := e.deps.Lock.WithWriteLock(func() error {
		local = Report{}
		touched = touched[:0]
		return e.deps.DB.WithTx(ctx, func(tx *db.Tx) error {
			for _, in := range incoming {
				outcome, err := e.deps.Resolver.Apply(ctx, tx, in)
				if err != nil {
					return fmt.Errorf("failed to apply change %s: %w", in.Record.ID, err)
				}
				local.count(outcome)
				if outcome == merge.Applied {
					touched = append(touched, remoteEvent(in.Record))
				}
			}

			applied, dropped, err := e.deps.Resolver.RetryDeferred(ctx, tx, name)
			if err != nil {
				return err
			}
			for _, r := range applied {
				local.Applied++
				touched = append(touched, remoteEvent(r))
			}
			local.Dropped = dropped

			if err := e.deps.Groups.Advance(ctx, tx, name, tidemark); err != nil {
				return err
			}
			return e.deps.Groups.MarkPolled(ctx, tx, name, e.config.Now(), gc.More)
		})
	})
	if err != nil {
		return err
	}

	rep.Applied += local.Applied
	rep.Stale += local.Stale
	rep.Duplicate += local.Duplicate
	rep.Deferred += local.Deferred
	rep.Suppressed += local.Suppressed
	rep.Ignored += local.Ignored
	rep.Dropped = append(rep.Dropped, local.Dropped...)
	for _, d := range local.Dropped {
		rep.Integrity = append(rep.Integrity, d)
	}
	for _, ev := range touched {
		rep.touch(ev.Entity, ev.RecordID)
		if e.deps.Events != nil {
			e.deps.Events.Publish(ev)
		}
	}
	return nil
}

// decrypt opens the records of one group in parallel. Records that cannot
// be decrypted are reported and skipped; the tidemark still covers them.
// It returns the tidemark the group may advance to.
func (e *Engine) decrypt(ctx context.Context, rep *Report, gc transport.GroupChanges) ([]merge.Incoming, int64) {
	tidemark := gc.Tidemark
	out := make([]merge.Incoming, len(gc.Changes))
	errs := make([]error, len(gc.Changes))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.config.DecryptWorkers)
	for i, c := range gc.Changes {
		if c.Seq > tidemark {
			tidemark = c.Seq
		}
		g.Go(func() error {
			in := merge.Incoming{Record: c.Record}
			if c.Op.HasProperty() {
				payload, err := e.deps.Envelope.OpenPayload(c.Value)
				if err == nil {
					in.Payload = payload
					in.Value, err = envelope.Unmarshal(payload)
				}
				if err != nil {
					errs[i] = fmt.Errorf("change %s of %s: %w", c.ID, c.Key(), err)
					return nil
				}
			}
			out[i] = in
			return nil
		})
	}
	_ = g.Wait()

	kept := out[:0]
	for i, in := range out {
		if errs[i] != nil {
			e.logger.Warn("skipping undecryptable change", zap.Error(errs[i]))
			rep.Integrity = append(rep.Integrity, errs[i])
			continue
		}
		kept = append(kept, in)
	}
	return kept, tidemark
}

func remoteEvent(r change.Record) events.Event {
	kind := events.Update
	switch r.Op {
	case change.Create:
		kind = events.Insert
	case change.Delete:
		kind = events.Delete
	}
	return events.Event{Kind: kind, Entity: r.Entity, RecordID: r.RecordID, Group: r.Group, Remote: true}
}
