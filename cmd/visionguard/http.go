package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
	"go.uber.org/zap"

	"visionguard/internal/api"
	"visionguard/internal/auth"
	"visionguard/internal/config"
	authmw "visionguard/internal/middleware"
)

const defaultServerShutdown = 30 * time.Second

// handleHTTPServer starts the HTTP server on cfg's address and shuts it down
// gracefully once ctx is done. Listen errors are sent on errc.
func handleHTTPServer(ctx context.Context, cfg config.ServerConfig, server *api.Server, authenticator *auth.Authenticator, wg *sync.WaitGroup, errc chan<- error, logger *zap.Logger) {
	adapter := middleware.NewLogger(zap.NewStdLog(logger.Named("http")))

	mux := goahttp.NewMuxer()
	server.Mount(mux)

	// Middlewares mounted here apply to every route
	var handler http.Handler = mux
	{
		handler = authmw.AuthMiddleware(authenticator, api.PublicPaths()...)(handler)
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
		// live streams end when ctx does, otherwise Shutdown waits them out
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = defaultServerShutdown
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr), zap.Bool("auth", authenticator.IsEnabled()))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("Shutting down HTTP server", zap.String("addr", addr))

		sctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()
}
