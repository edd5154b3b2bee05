package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samiralibabic/merlind/internal/config"
	"github.com/samiralibabic/merlind/internal/transport/httpjsonrpc"
	"github.com/samiralibabic/merlind/internal/transport/wsjsonrpc"
)

func NewHTTPHandler(cfg config.Config, svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HTTPPath, httpjsonrpc.Handler(svc.Handle, httpjsonrpc.DefaultMaxBody))
	mux.HandleFunc(cfg.Server.WSPath, wsjsonrpc.Handler(svc.Handle, svc.Subscribe))
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	}
	return mux
}

func RunHTTP(ctx context.Context, cfg config.Config, svc *Service) error {
	srv := &http.Server{
		Addr:    cfg.Server.HTTPListen,
		Handler: NewHTTPHandler(cfg, svc),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
