// Package api 提供可选的 HTTP 状态接口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linjuya-lu/device-llap-go/internal/message"
	"github.com/linjuya-lu/device-llap-go/internal/supervisor"
)

// statusKeys 是 /status 返回的全部键
var statusKeys = []string{
	supervisor.KeyDeviceStore,
	supervisor.KeyPANID,
	supervisor.KeyEncryptionSet,
	supervisor.KeyVersion,
	supervisor.KeyFirmware,
	supervisor.KeySerialNumber,
	supervisor.KeySendOnActive,
	supervisor.KeyNetwork,
}

// Bridge 是 HTTP 接口需要的网桥能力，*supervisor.Bridge 满足该接口
type Bridge interface {
	State() supervisor.State
	Network() string
	Status(ctx context.Context) (message.StatusSnapshot, error)
	StatusResult(snap message.StatusSnapshot, keys []string) map[string]interface{}
	SendWireless(ctx context.Context, id, payload string) error
}

type Server struct {
	addr string
	lc   logger.LoggingClient
	b    Bridge
}

func NewServer(addr string, lc logger.LoggingClient, b Bridge) *Server {
	return &Server{addr: addr, lc: lc, b: b}
}

func (s *Server) Name() string { return "http" }

// Router 返回全部路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Get("/", s.getDevice)
		r.Post("/", s.sendDevice)
	})
	return r
}

// Run 监听直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.lc.Infof("HTTP 状态接口监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP 服务失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.b.State() != supervisor.StateRunning {
		code = http.StatusServiceUnavailable
	}
	jsonResponse(w, code, map[string]interface{}{
		"state":   s.b.State().String(),
		"network": s.b.Network(),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.b.Status(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"state":  s.b.State().String(),
		"result": s.b.StatusResult(snap, statusKeys),
	})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.b.Status(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	e, ok := snap.DeviceStore[id]
	if !ok {
		errorResponse(w, http.StatusNotFound, fmt.Sprintf("设备 %s 没有记录", id))
		return
	}
	jsonResponse(w, http.StatusOK, e)
}

type sendRequest struct {
	Data []string `json:"data"`
}

func (s *Server) sendDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	for _, payload := range req.Data {
		if err := s.b.SendWireless(r.Context(), id, payload); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	jsonResponse(w, http.StatusAccepted, map[string]interface{}{"id": id, "sent": len(req.Data)})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": msg,
		"code":  status,
	})
}
