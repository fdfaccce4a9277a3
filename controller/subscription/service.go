// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package subscription tracks per-connection filters and streams
// revisioned tree, transfer, and log updates to control clients.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/translog"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/sync2"
)

// Error is the default error class for the subscription package.
var Error = errs.Class("subscription")

// ErrPermission is returned when a filter requests streams the caller may
// not see.
var ErrPermission = errs.Class("subscription: permission denied")

var mon = monkit.Package()

// Config configures the subscription layer.
type Config struct {
	TreeBroadcastMaxRatePerSec int `help:"maximum tree broadcasts per second" default:"2"`
}

// Filter selects which streams a connection receives. TransferID narrows
// the log stream to one transfer when set.
type Filter struct {
	Tree       bool
	Transfers  bool
	Logs       bool
	TransferID string
}

// Empty reports whether the filter selects nothing; an empty filter is
// equivalent to no subscription.
func (filter Filter) Empty() bool {
	return !filter.Tree && !filter.Transfers && !filter.Logs
}

// TreeSource builds platform-tree snapshots on demand.
type TreeSource interface {
	Build(ctx context.Context, forceName string) (*messages.PlatformTree, error)
}

// TransferSource exposes the currently in-flight transfers for replay on
// subscribe.
type TransferSource interface {
	ActiveSummaries() []translog.ShortSummary
}

type subscriber struct {
	conn   bridge.ControlConn
	filter Filter
}

// Service is the subscription registry and broadcaster.
type Service struct {
	log    *zap.Logger
	clock  *clockid.Source
	config Config

	cooldown *sync2.Cooldown

	mu          sync.Mutex
	subscribers map[string]*subscriber
	treeRev     int64
	transferRev int64
	logRev      int64

	trees     TreeSource
	transfers TransferSource
}

// NewService creates the subscription service. Sources are wired later
// with SetSources because the tree builder and orchestrator are
// constructed after this service.
func NewService(log *zap.Logger, clock *clockid.Source, config Config) *Service {
	rate := config.TreeBroadcastMaxRatePerSec
	if rate <= 0 {
		rate = 2
	}
	return &Service{
		log:         log,
		clock:       clock,
		config:      config,
		cooldown:    sync2.NewCooldown(clock.Clock(), time.Second/time.Duration(rate)),
		subscribers: make(map[string]*subscriber),
	}
}

// SetSources wires the tree builder and the orchestrator.
func (service *Service) SetSources(trees TreeSource, transfers TransferSource) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.trees = trees
	service.transfers = transfers
}

// Run drives coalesced tree broadcasts until ctx is canceled.
func (service *Service) Run(ctx context.Context) error {
	return service.cooldown.Run(ctx, service.emitTree)
}

// SetSubscription installs, replaces, or removes the connection's filter.
// Newly requested streams get an initial snapshot: the current tree, and
// a replay of all in-flight transfers.
func (service *Service) SetSubscription(ctx context.Context, conn bridge.ControlConn, filter Filter) (err error) {
	defer mon.Task()(&ctx)(&err)

	if filter.Logs && !conn.HasPermission(bridge.PermViewLogs) {
		return ErrPermission.New("subscribing to logs requires %q", bridge.PermViewLogs)
	}

	service.mu.Lock()
	var previous Filter
	if existing, ok := service.subscribers[conn.ID()]; ok {
		previous = existing.filter
	}
	if filter.Empty() {
		delete(service.subscribers, conn.ID())
		service.mu.Unlock()
		service.log.Debug("subscription removed", zap.String("connection", conn.ID()))
		return nil
	}
	service.subscribers[conn.ID()] = &subscriber{conn: conn, filter: filter}
	trees, transfers := service.trees, service.transfers
	service.mu.Unlock()

	service.log.Debug("subscription set",
		zap.String("connection", conn.ID()),
		zap.Bool("tree", filter.Tree),
		zap.Bool("transfers", filter.Transfers),
		zap.Bool("logs", filter.Logs))

	if filter.Tree && !previous.Tree && trees != nil {
		tree, err := trees.Build(ctx, "")
		if err != nil {
			service.log.Warn("initial tree snapshot failed", zap.Error(err))
		} else {
			service.StampTree(tree)
			service.deliver(conn, messages.TreeUpdateEvent{
				Revision:    tree.Revision,
				GeneratedAt: tree.GeneratedAt,
				ForceName:   tree.ForceName,
				Tree:        tree,
			})
		}
	}

	if filter.Transfers && !previous.Transfers && transfers != nil {
		// the replay is a snapshot for this connection only; it reuses the
		// last broadcast revision so the shared stream stays gap-free
		rev := service.currentTransferRev()
		now := service.clock.NowMs()
		for _, summary := range transfers.ActiveSummaries() {
			service.deliver(conn, messages.TransferUpdateEvent{
				Revision:    rev,
				GeneratedAt: now,
				Transfer:    summary,
			})
		}
	}
	return nil
}

// ConnectionClosed removes the connection's subscription, if any.
func (service *Service) ConnectionClosed(connID string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.subscribers, connID)
}

// QueueTreeBroadcast requests a tree broadcast. Requests within the rate
// window coalesce into a single emission.
func (service *Service) QueueTreeBroadcast() {
	service.cooldown.Trigger()
}

// StampTree assigns the next tree revision and generation time to a
// freshly built snapshot.
func (service *Service) StampTree(tree *messages.PlatformTree) {
	service.mu.Lock()
	service.treeRev++
	tree.Revision = service.treeRev
	service.mu.Unlock()
	tree.GeneratedAt = service.clock.NowMs()
}

// emitTree builds and delivers a tree snapshot when at least one
// subscriber wants it.
func (service *Service) emitTree(ctx context.Context) error {
	service.mu.Lock()
	trees := service.trees
	wanted := false
	for _, sub := range service.subscribers {
		if sub.filter.Tree {
			wanted = true
			break
		}
	}
	service.mu.Unlock()
	if !wanted || trees == nil {
		return nil
	}

	tree, err := trees.Build(ctx, "")
	if err != nil {
		service.log.Warn("tree broadcast build failed", zap.Error(err))
		return nil
	}
	service.StampTree(tree)

	event := messages.TreeUpdateEvent{
		Revision:    tree.Revision,
		GeneratedAt: tree.GeneratedAt,
		ForceName:   tree.ForceName,
		Tree:        tree,
	}
	for _, sub := range service.snapshot() {
		if sub.filter.Tree {
			service.deliver(sub.conn, event)
		}
	}
	return nil
}

// BroadcastTransfer delivers a short transfer summary to all transfer
// subscribers with a fresh revision.
func (service *Service) BroadcastTransfer(summary translog.ShortSummary) {
	event := messages.TransferUpdateEvent{
		Revision:    service.nextTransferRev(),
		GeneratedAt: service.clock.NowMs(),
		Transfer:    summary,
	}
	for _, sub := range service.snapshot() {
		if sub.filter.Transfers {
			service.deliver(sub.conn, event)
		}
	}
}

// LogUpdated implements translog.Sink: every journaled event streams to
// log subscribers whose filter matches the transfer.
func (service *Service) LogUpdated(transferID string, event translog.Event, info translog.ShortSummary, summary translog.DetailedSummary) {
	update := messages.LogUpdateEvent{
		Revision:     service.nextLogRev(),
		GeneratedAt:  service.clock.NowMs(),
		TransferID:   transferID,
		Event:        event,
		TransferInfo: info,
		Summary:      summary,
	}
	for _, sub := range service.snapshot() {
		if !sub.filter.Logs {
			continue
		}
		if sub.filter.TransferID != "" && sub.filter.TransferID != transferID {
			continue
		}
		service.deliver(sub.conn, update)
	}
}

// snapshot copies the subscriber list so sends can evict without
// mutating the map mid-iteration.
func (service *Service) snapshot() []*subscriber {
	service.mu.Lock()
	defer service.mu.Unlock()

	subs := make([]*subscriber, 0, len(service.subscribers))
	for _, sub := range service.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// deliver sends one event; a failing connection loses its subscription.
func (service *Service) deliver(conn bridge.ControlConn, event interface{}) {
	if err := conn.Send(event); err != nil {
		service.log.Info("evicting stale subscriber",
			zap.String("connection", conn.ID()), zap.Error(err))
		service.mu.Lock()
		if existing, ok := service.subscribers[conn.ID()]; ok && existing.conn == conn {
			delete(service.subscribers, conn.ID())
		}
		service.mu.Unlock()
	}
}

func (service *Service) nextTransferRev() int64 {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.transferRev++
	return service.transferRev
}

func (service *Service) currentTransferRev() int64 {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.transferRev
}

func (service *Service) nextLogRev() int64 {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.logRev++
	return service.logRev
}
