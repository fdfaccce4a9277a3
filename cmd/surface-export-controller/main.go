// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
)

func main() {
	root := &cobra.Command{
		Use:   "surface-export-controller",
		Short: "Controller-side orchestrator for platform migration between cluster instances",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		RunE:  cmdRun,
	}

	flags := runCmd.Flags()
	flags.String("database-dir", "./surface-export", "directory holding persisted controller state")
	flags.String("console-address", ":8095", "address to listen on for the console API")
	flags.Int("max-storage-size", 100, "maximum number of stored exports")
	flags.Duration("wait-for-export-timeout", 10*time.Second, "default deadline for waiting on an expected export")
	flags.Int("max-persisted-logs", 10, "number of transaction logs kept on disk")
	flags.Duration("validation-timeout", 2*time.Minute, "how long to wait for the target's validation verdict")
	flags.Int("active-transfers-retention", 100, "number of transfer records kept in memory")
	flags.Int("tree-broadcast-rate", 2, "maximum tree broadcasts per second")
	flags.StringSlice("instance", nil, "instance bridge endpoint as id=url, repeatable")
	flags.Duration("bridge-timeout", 30*time.Second, "timeout for instance bridge requests")
	flags.Bool("dev", false, "use development logging")

	viper.SetEnvPrefix("SURFACE_EXPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	root.AddCommand(runCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	log, err := newLogger(viper.GetBool("dev"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	endpoints, err := parseEndpoints(viper.GetStringSlice("instance"))
	if err != nil {
		return err
	}

	config := controller.Config{
		DatabaseDirectory: viper.GetString("database-dir"),
	}
	config.Console.Address = viper.GetString("console-address")
	config.Exports.MaxStorageSize = viper.GetInt("max-storage-size")
	config.Exports.WaitForExportTimeout = viper.GetDuration("wait-for-export-timeout")
	config.TransactionLog.MaxPersistedLogs = viper.GetInt("max-persisted-logs")
	config.Transfers.ValidationTimeout = viper.GetDuration("validation-timeout")
	config.Transfers.ActiveTransfersRetention = viper.GetInt("active-transfers-retention")
	config.Subscription.TreeBroadcastMaxRatePerSec = viper.GetInt("tree-broadcast-rate")

	client := bridge.NewHTTPClient(log.Named("bridge"), endpoints, bridge.HTTPClientConfig{
		RequestTimeout: viper.GetDuration("bridge-timeout"),
	})

	peer, err := controller.NewPeer(log, client, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("controller starting",
		zap.String("console", config.Console.Address),
		zap.String("database", config.DatabaseDirectory),
		zap.Int("instances", len(endpoints)))
	return peer.Run(ctx)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// parseEndpoints parses repeated id=url flags into the bridge endpoint map.
func parseEndpoints(pairs []string) (map[int]string, error) {
	endpoints := make(map[int]string, len(pairs))
	for _, pair := range pairs {
		id, url, found := strings.Cut(pair, "=")
		if !found {
			return nil, errs.New("invalid instance endpoint %q, expected id=url", pair)
		}
		instanceID, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, errs.New("invalid instance id in %q: %v", pair, err)
		}
		endpoints[instanceID] = strings.TrimSpace(url)
	}
	return endpoints, nil
}
