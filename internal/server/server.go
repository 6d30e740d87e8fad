// Package server exposes the chat backend over HTTP. Chat turns stream
// as server-sent events; everything else is plain JSON.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"kokoro/internal/character"
	"kokoro/internal/chat"
	"kokoro/internal/config"
	"kokoro/internal/diary"
	"kokoro/internal/logging"
	"kokoro/internal/speech"
	"kokoro/internal/store"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	cfg        *config.Config
	chat       *chat.Service
	characters *character.Service
	diary      *diary.Service
	store      *store.Store
	asr        *speech.ASRClient
	tts        *speech.TTSClient
}

// Deps collects the services the server exposes. diary, asr and tts may
// be nil; the matching endpoints then return 503.
type Deps struct {
	Chat       *chat.Service
	Characters *character.Service
	Diary      *diary.Service
	Store      *store.Store
	ASR        *speech.ASRClient
	TTS        *speech.TTSClient
}

// New creates a server over the given services.
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		chat:       deps.Chat,
		characters: deps.Characters,
		diary:      deps.Diary,
		store:      deps.Store,
		asr:        deps.ASR,
		tts:        deps.TTS,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/chat", s.handleChat)
		api.Delete("/sessions/{session_id}", s.handleClearSession)

		api.Get("/characters", s.handleListCharacters)
		api.Get("/characters/{character_id}/starter", s.handleStarter)

		api.Get("/preferences/{user_id}/{character_id}", s.handleGetPreference)
		api.Put("/preferences/{user_id}/{character_id}", s.handlePutPreference)

		api.Get("/diary/{character_id}", s.handleListDiary)
		api.Post("/diary/{character_id}", s.handleWriteDiary)

		api.Post("/speech/asr", s.handleASR)
		api.Post("/speech/tts", s.handleTTS)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Server("listening on %s", s.cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		logging.Server("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// requestTimeout bounds one chat turn end to end, tool rounds included.
const requestTimeout = 5 * time.Minute
