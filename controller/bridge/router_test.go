// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package bridge_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
)

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()

	router := bridge.NewRouter(zaptest.NewLogger(t))

	type ping struct {
		Value int `json:"value"`
	}
	router.Handle("ping", func(ctx context.Context, conn bridge.ControlConn, data json.RawMessage) (interface{}, error) {
		var req ping
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return ping{Value: req.Value + 1}, nil
	})

	resp, err := router.Dispatch(context.Background(), nil, "ping", json.RawMessage(`{"value": 41}`))
	require.NoError(t, err)
	require.Equal(t, ping{Value: 42}, resp)

	_, err = router.Dispatch(context.Background(), nil, "pong", nil)
	require.Error(t, err)
	require.True(t, bridge.Error.Has(err))
}

func TestRouter_HandleReplaces(t *testing.T) {
	t.Parallel()

	router := bridge.NewRouter(zaptest.NewLogger(t))
	router.Handle("msg", func(context.Context, bridge.ControlConn, json.RawMessage) (interface{}, error) {
		return "first", nil
	})
	router.Handle("msg", func(context.Context, bridge.ControlConn, json.RawMessage) (interface{}, error) {
		return "second", nil
	})

	resp, err := router.Dispatch(context.Background(), nil, "msg", nil)
	require.NoError(t, err)
	require.Equal(t, "second", resp)
}
