package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/progress"
	"github.com/jdholdren/chapterhouse/internal/serverutil"
)

type (
	Progress interface {
		Update(ctx context.Context, userID string, u progress.Update) (catalog.ReadState, error)
		ApplyBatch(ctx context.Context, userID string, items []progress.BatchItem) []progress.ItemResult
	}

	Library interface {
		Add(ctx context.Context, userID, seriesID, status string) (catalog.LibraryEntry, error)
		Update(ctx context.Context, userID, seriesID, status string) (catalog.LibraryEntry, error)
		Remove(ctx context.Context, userID, seriesID string) error
		PutSetting(ctx context.Context, userID, key, value string) error
	}

	DeadLetters interface {
		DeadLetters(ctx context.Context, limit int) ([]catalog.DeadLetter, error)
	}

	// Server handles progress updates and outbox replays from client
	// devices.
	Server struct {
		*http.Server

		progress    Progress
		library     Library
		deadLetters DeadLetters

		secureCookie *securecookie.SecureCookie
		httpsCookies bool // Whether or not HTTPS should be used for cookies
	}

	ServerConfig struct {
		Port           int
		CookieHashKey  []byte
		CookieBlockKey []byte
		HttpsCookies   bool
		CorsHeader     string

		DebugEndpoints bool
	}
)

func NewServer(config ServerConfig, prog Progress, lib Library, dl DeadLetters) *Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}

	// An empty block key would fail every encode, so it means no encryption.
	blockKey := config.CookieBlockKey
	if len(blockKey) == 0 {
		blockKey = nil
	}

	srvr := Server{
		progress:     prog,
		library:      lib,
		deadLetters:  dl,
		secureCookie: securecookie.New(config.CookieHashKey, blockKey),
		httpsCookies: config.HttpsCookies,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsHeader}),
				handlers.AllowCredentials(),
				handlers.AllowedMethods([]string{
					http.MethodGet,
					http.MethodPost,
					http.MethodPut,
					http.MethodPatch,
					http.MethodDelete,
					http.MethodOptions,
				}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything
	r.HandleFuncE("/healthz", srvr.getHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if config.DebugEndpoints {
		// For local testing
		r.HandleFuncE("/api/login", srvr.handleDebugLogin).Methods(http.MethodPost)
	}

	authed := serverutil.ErrRouter{Router: r.NewRoute().Subrouter()}
	authed.Use(requireSessionMiddleware(srvr.secureCookie))

	// Progress
	authed.HandleFuncE("/api/progress", srvr.postProgress).Methods(http.MethodPost)
	authed.HandleFuncE("/api/sync/chapter-reads", srvr.postChapterReads).Methods(http.MethodPost)

	// Library and settings
	authed.HandleFuncE("/api/library", srvr.postLibrary).Methods(http.MethodPost)
	authed.HandleFuncE("/api/library/{seriesID}", srvr.patchLibrary).Methods(http.MethodPatch)
	authed.HandleFuncE("/api/library/{seriesID}", srvr.deleteLibrary).Methods(http.MethodDelete)
	authed.HandleFuncE("/api/settings/{key}", srvr.putSetting).Methods(http.MethodPut)

	// Operations
	authed.HandleFuncE("/api/dead-letters", srvr.getDeadLetters).Methods(http.MethodGet)

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}

func (s Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
