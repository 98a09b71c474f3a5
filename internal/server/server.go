package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/jhhom/chatter-sub002/internal/router"
	"github.com/jhhom/chatter-sub002/internal/server/middleware"
	"github.com/jhhom/chatter-sub002/internal/store"
	"github.com/jhhom/chatter-sub002/pkg/config"
	"github.com/jhhom/chatter-sub002/pkg/presence"
	"github.com/jhhom/chatter-sub002/pkg/presence/registry"
	"github.com/jhhom/chatter-sub002/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry presence.Registry
	router   *router.Router
	store    store.Store
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, st store.Store) *App {
	reg := registry.NewInMemory(logger)
	notifier := router.New(logger, reg, st)

	app := &App{
		logger:   logger,
		registry: reg,
		router:   notifier,
		store:    st,
		config:   cfg,
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := func(userID presence.UserID) int {
		entry, ok := reg.Get(userID)
		if !ok {
			return 0
		}
		return len(entry.Channels)
	}
	// Channels are appended in connection order, so the first one is the
	// oldest device.
	connCycler := func(userID presence.UserID) {
		entry, ok := reg.Get(userID)
		if !ok || len(entry.Channels) == 0 {
			return
		}
		if conn, ok := entry.Channels[0].(*transport.Connection); ok {
			logger.Info("Cycling connection: closing oldest",
				slog.String("userID", string(userID)), slog.String("connID", conn.ID().String()))
			conn.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	userID := reqMeta.UserID
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", string(userID)),
	)

	// Membership is fetched before the registry is touched; the registry
	// trusts the caller-supplied mirror and never reads the database itself.
	groups, err := a.store.GroupsOfUser(r.Context(), userID)
	if err != nil {
		connLogger.Error("Failed to fetch group membership", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	conn.SetOnMessageHandler(func(ctx context.Context, connID uuid.UUID, msg []byte) {
		a.handleClientMessage(ctx, userID, connID, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Removing channel due to closure", slog.String("connID", id.String()))
		rem := a.registry.Remove(id)
		// Presence is a side channel: a failed fan-out never fails the
		// disconnect.
		if nErr := a.router.NotifyOffline(context.Background(), rem); nErr != nil {
			connLogger.Warn("Offline fan-out partially failed", slog.Any("error", nErr))
		}
	})

	res := a.registry.Add(userID, groups, conn)
	connLogger.Info("User connection fully established", slog.String("connID", res.ConnID.String()))
	conn.Run()

	if err := a.router.NotifyOnline(a.ctx, userID, res); err != nil {
		// Login still succeeds; peers catch up on their next status fetch.
		connLogger.Warn("Online fan-out partially failed", slog.Any("error", err))
	}

	<-conn.Done()
}

// handleClientMessage dispatches inbound frames from one device. The frame
// shape is {"event": ..., "payload": {...}}.
func (a *App) handleClientMessage(ctx context.Context, userID presence.UserID, connID uuid.UUID, msg []byte) {
	event := gjson.GetBytes(msg, "event").String()
	payload := gjson.GetBytes(msg, "payload")
	topicID := payload.Get("topicId").String()

	switch event {
	case "typing":
		a.handleTyping(ctx, userID, payload, true)
	case "stop-typing":
		a.handleTyping(ctx, userID, payload, false)
	case "subscribe-presence":
		groupID := presence.GroupTopicID(topicID)
		a.registry.SubscribeToRoster(userID, groupID)
		// Seed the panel immediately rather than waiting for the next
		// transition.
		a.pushRosterTo(userID, connID, groupID)
	case "unsubscribe-presence":
		a.registry.UnsubscribeFromRoster(userID, presence.GroupTopicID(topicID))
	default:
		a.logger.Warn("Received unknown event", slog.String("event", event), slog.String("userID", string(userID)))
	}
}

func (a *App) handleTyping(ctx context.Context, userID presence.UserID, payload gjson.Result, start bool) {
	kind := payload.Get("type").String()
	topicID := payload.Get("topicId").String()

	if start {
		a.registry.SetTyping(userID, presence.TopicID(topicID), time.Now())
	} else {
		a.registry.StopTyping(userID)
	}

	var err error
	switch kind {
	case presence.TypingKindP2P:
		action := presence.TypingActionTyping
		if !start {
			action = presence.TypingActionStop
		}
		err = a.router.NotifyTypingP2P(ctx, userID, presence.UserID(topicID), action)
	case presence.TypingKindGroup:
		err = a.router.NotifyTypingGroup(ctx, presence.GroupTopicID(topicID))
	default:
		a.logger.Warn("Typing event with unknown topic type", slog.String("type", kind))
		return
	}
	if err != nil {
		a.logger.Warn("Typing fan-out failed", slog.Any("error", err), slog.String("userID", string(userID)))
	}
}

// pushRosterTo sends one roster snapshot to a single device of a user.
func (a *App) pushRosterTo(userID presence.UserID, connID uuid.UUID, groupID presence.GroupTopicID) {
	entry, ok := a.registry.Get(userID)
	if !ok {
		return
	}
	snapshot := presence.GroupOnlineMembers{
		TopicID:       groupID.Topic(),
		OnlineMembers: a.registry.OnlineMembersOfGroup(groupID),
	}
	for _, ch := range entry.Channels {
		if ch.ID() == connID {
			ch.Send(snapshot)
			return
		}
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, entry := range a.registry.Entries() {
		for _, ch := range entry.Channels {
			if conn, ok := ch.(*transport.Connection); ok {
				conn.Close(errors.New("graceful shutdown"))
			}
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
