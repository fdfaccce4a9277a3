// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// HTTPClientConfig configures the HTTP instance client.
type HTTPClientConfig struct {
	RequestTimeout time.Duration `help:"timeout for instance bridge requests" default:"30s"`
}

// HTTPClient talks to host-side instance bridges over HTTP. Each instance
// maps to a base URL; sub-operations POST JSON to fixed paths under it.
type HTTPClient struct {
	log       *zap.Logger
	client    *http.Client
	endpoints map[int]string
}

// NewHTTPClient creates a client for the given instance → base URL map.
func NewHTTPClient(log *zap.Logger, endpoints map[int]string, config HTTPClientConfig) *HTTPClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	normalized := make(map[int]string, len(endpoints))
	for id, base := range endpoints {
		normalized[id] = strings.TrimRight(base, "/")
	}
	return &HTTPClient{
		log:       log,
		client:    &http.Client{Timeout: config.RequestTimeout},
		endpoints: normalized,
	}
}

// ImportPlatform implements InstanceClient.
func (client *HTTPClient) ImportPlatform(ctx context.Context, instanceID int, req messages.ImportPlatformRequest) (resp messages.InstanceResponse, err error) {
	err = client.post(ctx, instanceID, "import_platform", req, &resp)
	return resp, err
}

// ExportPlatform implements InstanceClient.
func (client *HTTPClient) ExportPlatform(ctx context.Context, instanceID int, req messages.ExportPlatformRequest) (resp messages.ExportPlatformResponse, err error) {
	err = client.post(ctx, instanceID, "export_platform", req, &resp)
	return resp, err
}

// DeleteSourcePlatform implements InstanceClient.
func (client *HTTPClient) DeleteSourcePlatform(ctx context.Context, instanceID int, req messages.DeleteSourcePlatformRequest) (resp messages.InstanceResponse, err error) {
	err = client.post(ctx, instanceID, "delete_source_platform", req, &resp)
	return resp, err
}

// UnlockSourcePlatform implements InstanceClient.
func (client *HTTPClient) UnlockSourcePlatform(ctx context.Context, instanceID int, req messages.UnlockSourcePlatformRequest) (resp messages.InstanceResponse, err error) {
	err = client.post(ctx, instanceID, "unlock_source_platform", req, &resp)
	return resp, err
}

// ListPlatforms implements InstanceClient.
func (client *HTTPClient) ListPlatforms(ctx context.Context, instanceID int, req messages.InstanceListPlatformsRequest) (platforms []messages.PlatformNode, err error) {
	err = client.post(ctx, instanceID, "list_platforms", req, &platforms)
	return platforms, err
}

// SendStatusUpdate implements InstanceClient.
func (client *HTTPClient) SendStatusUpdate(ctx context.Context, instanceID int, update messages.TransferStatusUpdate) error {
	return client.post(ctx, instanceID, "status_update", update, nil)
}

func (client *HTTPClient) post(ctx context.Context, instanceID int, op string, reqBody, respBody interface{}) error {
	base, ok := client.endpoints[instanceID]
	if !ok {
		return Error.New("no bridge endpoint for instance %d", instanceID)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Error.Wrap(err)
	}

	url := fmt.Sprintf("%s/bridge/%s", base, op)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Error.Wrap(err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.client.Do(request)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return Error.New("instance %d %s: unexpected status %s", instanceID, op, response.Status)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(respBody); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
