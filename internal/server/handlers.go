package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kokoro/internal/character"
	"kokoro/internal/chat"
	"kokoro/internal/logging"
	"kokoro/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.cfg.Name,
		"version": s.cfg.Version,
	})
}

type chatRequest struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Message     string `json:"message"`
}

// handleChat streams one conversation turn as SSE. Each model chunk
// arrives as a "delta" event; the terminating "done" event carries the
// display text with tool markers stripped.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeErr(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = "user_default"
	}
	if req.CharacterID == "" {
		req.CharacterID = s.cfg.Characters.Default
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", req.SessionID)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sendEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	raw, err := s.chat.StreamTurn(ctx, chat.Request{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Message:     req.Message,
	}, func(chunk string) {
		sendEvent("delta", map[string]string{"delta": chunk})
	})
	if err != nil {
		logging.ServerError("chat turn failed: %v", err)
		sendEvent("error", map[string]string{"error": err.Error()})
		return
	}

	sendEvent("done", map[string]string{
		"session_id": req.SessionID,
		"message":    chat.DisplayText(raw),
	})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.store.ClearSession(sessionID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	type characterInfo struct {
		CharacterID string `json:"character_id"`
		Name        string `json:"name"`
		Type        string `json:"character_type"`
		Description string `json:"description"`
	}

	var out []characterInfo
	for _, tmpl := range s.characters.List() {
		out = append(out, characterInfo{
			CharacterID: tmpl.CharacterID,
			Name:        tmpl.Name,
			Type:        tmpl.Type,
			Description: tmpl.Identity.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"characters": out})
}

func (s *Server) handleStarter(w http.ResponseWriter, r *http.Request) {
	characterID := chi.URLParam(r, "character_id")
	if s.characters.Get(characterID) == nil {
		writeErr(w, http.StatusNotFound, "character not found")
		return
	}

	pref := s.loadCharacterPreference(r.URL.Query().Get("user_id"), characterID)
	starter := s.characters.ConversationStarter(characterID, pref)
	writeJSON(w, http.StatusOK, map[string]string{"starter": starter})
}

type preferenceBody struct {
	Nickname    string   `json:"nickname"`
	StyleLevel  float64  `json:"style_level"`
	AvoidTopics []string `json:"avoid_topics"`
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	characterID := chi.URLParam(r, "character_id")

	pref, err := s.store.GetPreference(userID, characterID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pref == nil {
		writeErr(w, http.StatusNotFound, "preference not found")
		return
	}
	writeJSON(w, http.StatusOK, preferenceBody{
		Nickname:    pref.Nickname,
		StyleLevel:  pref.StyleLevel,
		AvoidTopics: pref.AvoidTopics,
	})
}

func (s *Server) handlePutPreference(w http.ResponseWriter, r *http.Request) {
	var body preferenceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.StyleLevel != 0 && (body.StyleLevel < 0.7 || body.StyleLevel > 1.3) {
		writeErr(w, http.StatusBadRequest, "style_level must be between 0.7 and 1.3")
		return
	}

	pref := store.Preference{
		UserID:      chi.URLParam(r, "user_id"),
		CharacterID: chi.URLParam(r, "character_id"),
		Nickname:    body.Nickname,
		StyleLevel:  body.StyleLevel,
		AvoidTopics: body.AvoidTopics,
	}
	if err := s.store.SavePreference(pref); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleListDiary(w http.ResponseWriter, r *http.Request) {
	if s.diary == nil {
		writeErr(w, http.StatusServiceUnavailable, "diary disabled")
		return
	}

	entries, err := s.diary.List(chi.URLParam(r, "character_id"), 20)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	type entryInfo struct {
		Path    string   `json:"path"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	out := make([]entryInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryInfo{Path: e.Path, Content: e.Content, Tags: e.Tags})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleWriteDiary(w http.ResponseWriter, r *http.Request) {
	if s.diary == nil {
		writeErr(w, http.StatusServiceUnavailable, "diary disabled")
		return
	}

	var body struct {
		Date    string `json:"date"`
		Content string `json:"content"`
		Tag     string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	path, err := s.diary.Write(chi.URLParam(r, "character_id"), body.Date, body.Content, body.Tag)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	if s.asr == nil {
		writeErr(w, http.StatusServiceUnavailable, "speech recognition disabled")
		return
	}

	audio, err := io.ReadAll(r.Body)
	if err != nil || len(audio) == 0 {
		writeErr(w, http.StatusBadRequest, "audio body is required")
		return
	}

	text, err := s.asr.Recognize(r.Context(), audio)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		writeErr(w, http.StatusServiceUnavailable, "speech synthesis disabled")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	audio, err := s.tts.Synthesize(r.Context(), body.Text)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	if audio == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio)
}

func (s *Server) loadCharacterPreference(userID, characterID string) *character.Preference {
	if userID == "" {
		return nil
	}
	stored, err := s.store.GetPreference(userID, characterID)
	if err != nil || stored == nil {
		return nil
	}
	return &character.Preference{
		Nickname:   stored.Nickname,
		StyleLevel: stored.StyleLevel,
	}
}
