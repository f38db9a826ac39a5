package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport/memory"
)

type (
	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	TopicInfo struct {
		Topic   string   `json:"topic"`
		Count   int      `json:"count"`
		Members []string `json:"members"`
	}

	// OpsServer exposes health and per-topic presence over HTTP for
	// debugging and monitoring.
	OpsServer struct {
		logger zerolog.Logger
		hub    *memory.Hub
		*http.Server
	}

	OpsConfig struct {
		Logger     *zerolog.Logger
		Hub        *memory.Hub
		ListenAddr string
	}
)

func NewOpsServer(cfg OpsConfig) *OpsServer {
	srv := &OpsServer{
		logger: cfg.Logger.With().Str("component", "ops-server").Logger(),
		hub:    cfg.Hub,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("GET /api/topic/{topic}", srv.topicInfo)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *OpsServer) health(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(&GenericResponse{Message: "OK"})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func (srv *OpsServer) topicInfo(w http.ResponseWriter, r *http.Request) {
	topicName := r.PathValue("topic")
	if topicName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	members := srv.hub.Presence(topicName)
	b, err := json.Marshal(&GenericResponse{Data: TopicInfo{
		Topic:   topicName,
		Count:   len(members),
		Members: members,
	}})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *OpsServer) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
