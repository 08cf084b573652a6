package main

import (
	"net/http"
	"time"

	"github.com/mcdev12/lanride/go/internal/config"
	"github.com/mcdev12/lanride/go/internal/gateway"
)

func setupServer(cfg config.GatewayConfig, svc *gateway.Service) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      svc.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket streams are long lived
		IdleTimeout:  120 * time.Second,
	}
}

func gatewayConfig(cfg config.GatewayConfig) gateway.Config {
	gw := gateway.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		gw.ConnectionConfig.AllowedOrigins = cfg.AllowedOrigins
	}
	return gw
}
