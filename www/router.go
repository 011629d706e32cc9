package www

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gameserver/engine"
	"gameserver/engine/config"
	"gameserver/www/api"
	"gameserver/www/middleware"
)

type Router struct {
	Config *config.ConfigSettings
	Engine *engine.GameEngine
}

// Handler builds the route table. It also hands config and engine to the api package.
func (router *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	api.SetConfig(router.Config)
	api.SetEngine(router.Engine)

	headers := middleware.SecurityHeaders(router.Config)

	/******************************************
	|                                         |
	|              PUBLIC ROUTES              |
	|                                         |
	******************************************/

	UNAUTH := middleware.Chain(middleware.Logging, headers, middleware.Cors, middleware.Authentication("anonymous", "admin"))
	mux.HandleFunc("POST /api/login", UNAUTH(api.Login))
	mux.HandleFunc("GET /api/logout", UNAUTH(api.Logout))

	mux.HandleFunc("GET /api/flagids", UNAUTH(api.GetFlagIDs))
	mux.HandleFunc("GET /api/status", UNAUTH(api.GetStatus))
	mux.HandleFunc("OPTIONS /api/", UNAUTH(func(http.ResponseWriter, *http.Request) {}))

	/******************************************
	|                                         |
	|               ADMIN ROUTES              |
	|                                         |
	******************************************/

	ADMINAUTH := middleware.Chain(middleware.Logging, headers, middleware.Authentication("admin"))
	mux.HandleFunc("GET /api/admin/results", ADMINAUTH(api.GetResults))

	mux.HandleFunc("POST /api/engine/pause", ADMINAUTH(api.PauseEngine))
	mux.HandleFunc("POST /api/engine/resume", ADMINAUTH(api.ResumeEngine))
	mux.HandleFunc("POST /api/engine/reset", ADMINAUTH(api.ResetEngine))
	mux.HandleFunc("GET /api/engine", ADMINAUTH(api.GetEngine))

	return mux
}

// Start serves until ctx is done, then drains open requests.
func (router *Router) Start(ctx context.Context) error {
	// choose http/https
	protocol := "http"
	tls := router.Config.SslSettings != (config.SslConfig{})
	if tls {
		protocol = "https"
	}

	addr := fmt.Sprintf("%s:%d", router.Config.RequiredSettings.BindAddress, router.Config.MiscSettings.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info(fmt.Sprintf("Starting Web Server on %s://%s", protocol, addr))

	errc := make(chan error, 1)
	go func() {
		if tls {
			errc <- server.ListenAndServeTLS(router.Config.SslSettings.HttpsCert, router.Config.SslSettings.HttpsKey)
		} else {
			errc <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down web server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
