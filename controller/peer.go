// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package controller

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/cluster"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/consoleapi"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/exports"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/subscription"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/transfers"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/translog"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/tree"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/jsonstore"
)

// Names of the files persisted under the database directory.
const (
	storageFile        = "surface_export_storage.json"
	transactionLogFile = "surface_export_transaction_logs.json"
)

// Config is the controller peer configuration.
type Config struct {
	DatabaseDirectory string `help:"directory holding persisted controller state" default:"./surface-export"`

	Exports        exports.Config
	TransactionLog translog.Config
	Transfers      transfers.Config
	Subscription   subscription.Config
	Console        consoleapi.Config
}

// Peer is the controller process with all orchestration subsystems wired
// together.
type Peer struct {
	Log    *zap.Logger
	Clock  *clockid.Source
	Config Config

	Cluster *cluster.State

	Exports struct {
		Store    *jsonstore.File
		Registry *exports.Registry
	}

	TransactionLog struct {
		Store  *jsonstore.File
		Logger *translog.Logger
	}

	Tree          *tree.Builder
	Subscriptions *subscription.Service
	Transfers     *transfers.Service
	Controller    *Controller

	Console struct {
		Listener net.Listener
		Server   *consoleapi.Server
	}
}

// NewPeer constructs the controller peer. client is the transport to the
// instance bridges; the caller owns its lifecycle.
func NewPeer(log *zap.Logger, client bridge.InstanceClient, config Config) (*Peer, error) {
	peer := &Peer{
		Log:     log,
		Clock:   clockid.NewSource(clockwork.NewRealClock()),
		Config:  config,
		Cluster: cluster.NewState(),
	}

	if err := os.MkdirAll(config.DatabaseDirectory, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}

	{ // export registry
		peer.Exports.Store = jsonstore.NewFile(filepath.Join(config.DatabaseDirectory, storageFile))
		peer.Exports.Registry = exports.NewRegistry(log.Named("exports"),
			peer.Clock, peer.Exports.Store, config.Exports)
	}

	{ // transaction log
		peer.TransactionLog.Store = jsonstore.NewFile(filepath.Join(config.DatabaseDirectory, transactionLogFile))
		peer.TransactionLog.Logger = translog.NewLogger(log.Named("translog"),
			peer.Clock, peer.TransactionLog.Store, config.TransactionLog)
	}

	{ // orchestration
		peer.Subscriptions = subscription.NewService(log.Named("subscription"), peer.Clock, config.Subscription)
		peer.Tree = tree.NewBuilder(log.Named("tree"), peer.Cluster, client)
		peer.Transfers = transfers.NewService(log.Named("transfers"), peer.Clock,
			peer.Exports.Registry, peer.TransactionLog.Logger, peer.Cluster, client,
			peer.Subscriptions, config.Transfers)

		peer.TransactionLog.Logger.SetSink(peer.Subscriptions)
		peer.Tree.SetActiveStates(peer.Transfers)
		peer.Subscriptions.SetSources(peer.Tree, peer.Transfers)

		peer.Controller = New(log.Named("controller"), peer.Clock, peer.Exports.Registry,
			peer.TransactionLog.Logger, peer.Tree, peer.Transfers, peer.Subscriptions)
	}

	{ // console API
		listener, err := net.Listen("tcp", config.Console.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Console.Listener = listener
		peer.Console.Server = consoleapi.NewServer(log.Named("console"), peer.Controller, listener)
	}

	return peer, nil
}

// Run loads persisted state and serves until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := peer.Exports.Registry.Load(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(peer.Subscriptions.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCanceled(peer.Console.Server.Run(ctx))
	})
	return group.Wait()
}

// Close releases all resources held by the peer.
func (peer *Peer) Close() error {
	var group errs.Group
	if peer.Console.Server != nil {
		group.Add(peer.Console.Server.Close())
	}
	if peer.Transfers != nil {
		group.Add(peer.Transfers.Close())
	}
	return group.Err()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
