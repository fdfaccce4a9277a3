// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package consoleapi exposes the controller's message fabric over HTTP:
// one-shot requests via POST and a websocket for control clients that
// subscribe to push streams.
package consoleapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// Error is the default error class for the consoleapi package.
var Error = errs.Class("consoleapi")

// Config configures the console API server.
type Config struct {
	Address string `help:"address to listen on for the console API" default:":8095"`
}

// Dispatcher is the slice of the controller facade the console API needs:
// message dispatch and connection lifecycle.
type Dispatcher interface {
	Router() *bridge.Router
	ConnectionClosed(connID string)
}

// Server serves the console API.
type Server struct {
	log        *zap.Logger
	dispatcher Dispatcher
	listener   net.Listener
	server     http.Server
	upgrader   websocket.Upgrader

	connSeq atomic.Int64
}

// NewServer creates the console API server on the given listener.
func NewServer(log *zap.Logger, dispatcher Dispatcher, listener net.Listener) *Server {
	server := &Server{
		log:        log,
		dispatcher: dispatcher,
		listener:   listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/message/{name}", server.handleMessage).Methods(http.MethodPost)
	router.HandleFunc("/api/socket", server.handleSocket).Methods(http.MethodGet)
	server.server = http.Server{Handler: router}

	return server
}

// Addr returns the bound listener address.
func (server *Server) Addr() net.Addr { return server.listener.Addr() }

// Run serves requests until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down immediately.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// handleMessage dispatches a one-shot fabric message. The request body is
// the message payload; the response is the handler's result.
func (server *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err)
		return
	}

	result, err := server.dispatcher.Router().Dispatch(ctx, nil, name, payload)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err)
		return
	}
	if result == nil {
		result = map[string]bool{"success": true}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		server.log.Debug("response write failed", zap.Error(err))
	}
}

// handleSocket upgrades a control-client connection. Permissions are
// granted by the fronting auth layer via the X-Permissions header.
func (server *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	perms := make(map[string]bool)
	for _, perm := range strings.Split(r.Header.Get("X-Permissions"), ",") {
		if perm = strings.TrimSpace(perm); perm != "" {
			perms[perm] = true
		}
	}

	ws, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &socketConn{
		id:    fmt.Sprintf("console-%d", server.connSeq.Add(1)),
		perms: perms,
		ws:    ws,
	}
	server.log.Info("control client connected", zap.String("connection", conn.id))
	defer func() {
		server.dispatcher.ConnectionClosed(conn.id)
		_ = ws.Close()
		server.log.Info("control client disconnected", zap.String("connection", conn.id))
	}()

	for {
		var frame struct {
			Seq     int64           `json:"seq"`
			Message string          `json:"message"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				server.log.Debug("control client read failed",
					zap.String("connection", conn.id), zap.Error(err))
			}
			return
		}

		result, err := server.dispatcher.Router().Dispatch(r.Context(), conn, frame.Message, frame.Payload)
		reply := map[string]interface{}{"seq": frame.Seq}
		if err != nil {
			reply["error"] = err.Error()
		} else if result != nil {
			reply["result"] = result
		} else {
			reply["success"] = true
		}
		if err := conn.write(reply); err != nil {
			return
		}
	}
}

// socketConn adapts a websocket to the control-connection interface the
// subscription layer evicts on send failure.
type socketConn struct {
	id    string
	perms map[string]bool

	mu sync.Mutex
	ws *websocket.Conn
}

// ID implements the control-connection identity.
func (conn *socketConn) ID() string { return conn.id }

// Send pushes one subscription event, framed with its wire event name.
func (conn *socketConn) Send(event interface{}) error {
	frame := map[string]interface{}{
		"event": eventName(event),
		"data":  event,
	}
	return Error.Wrap(conn.write(frame))
}

// HasPermission reports a permission granted at upgrade time.
func (conn *socketConn) HasPermission(permission string) bool {
	return conn.perms[permission]
}

// write serializes concurrent writers; the websocket allows only one.
func (conn *socketConn) write(v interface{}) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.ws.WriteJSON(v)
}

func eventName(event interface{}) string {
	switch event.(type) {
	case messages.TreeUpdateEvent:
		return "SurfaceExportTreeUpdateEvent"
	case messages.TransferUpdateEvent:
		return "SurfaceExportTransferUpdateEvent"
	case messages.LogUpdateEvent:
		return "SurfaceExportLogUpdateEvent"
	}
	return fmt.Sprintf("%T", event)
}

func sendJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}
