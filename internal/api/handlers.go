package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/api/middleware"
	"github.com/audiorelay/voicecore/internal/router"
)

func joinSubject(r *http.Request) (userID, channelID string) {
	return middleware.JoinSubjectFromContext(r.Context())
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_workers":    stats.ActiveWorkers,
		"queue_depth":       stats.QueueDepth,
		"peak_queue":        stats.PeakQueue,
		"completed":         stats.Completed,
		"failed":            stats.Failed,
		"avg_processing_ms": stats.AvgProcessingMs,
		"healthy":           s.pool.Healthy(),
		"load":              s.pool.Load().String(),
	})
}

func channelIDParam(r *http.Request) (uuid.UUID, string) {
	raw := chi.URLParam(r, "channelID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "invalid channel id"
	}
	return id, ""
}

func (s *Server) handleChannelStats(w http.ResponseWriter, r *http.Request) {
	channelID, msg := channelIDParam(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	report, err := s.core.AnalyzeChannel(channelID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	mixing := s.mix.ChannelStats(channelID)

	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id":       channelID,
		"routing":          report.Stats,
		"quality_score":    report.QualityScore,
		"recommendations":  report.Recommendations,
		"total_mixes":      mixing.TotalMixes,
		"total_voices":     mixing.TotalVoicesMixed,
		"clipping_events":  mixing.ClippingEvents,
		"last_mix_duration": mixing.LastMixDuration.String(),
	})
}

func (s *Server) handleGetChannelConfig(w http.ResponseWriter, r *http.Request) {
	channelID, msg := channelIDParam(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	cfg, err := s.core.GetConfig(channelID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// channelConfigRequest mirrors router.ChannelRoutingConfig for JSON decoding.
type channelConfigRequest struct {
	MaxUsers        int    `json:"max_users"`
	QualityMode     string `json:"quality_mode"`
	LatencyTargetMs int    `json:"latency_target_ms"`
	BitrateHintKbps int    `json:"bitrate_hint_kbps"`
	EchoCancel      bool   `json:"echo_cancel"`
	NoiseSuppress   bool   `json:"noise_suppress"`
}

func parseQualityMode(s string) (router.QualityMode, bool) {
	switch s {
	case "Low":
		return router.ModeLow, true
	case "Medium":
		return router.ModeMedium, true
	case "High":
		return router.ModeHigh, true
	case "Adaptive":
		return router.ModeAdaptive, true
	default:
		return router.ModeMedium, false
	}
}

func (s *Server) handleSetChannelConfig(w http.ResponseWriter, r *http.Request) {
	channelID, msg := channelIDParam(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var req channelConfigRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	mode, ok := parseQualityMode(req.QualityMode)
	if !ok {
		writeError(w, http.StatusBadRequest, "quality_mode must be one of Low, Medium, High, Adaptive")
		return
	}

	s.core.ConfigureChannel(channelID, router.ChannelRoutingConfig{
		MaxUsers:        req.MaxUsers,
		QualityMode:     mode,
		LatencyTargetMs: req.LatencyTargetMs,
		BitrateHintKbps: req.BitrateHintKbps,
		EchoCancel:      req.EchoCancel,
		NoiseSuppress:   req.NoiseSuppress,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	channelID, msg := channelIDParam(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	userIDStr, tokenChannelStr := joinSubject(r)
	userID, err := uuid.Parse(userIDStr)
	if err != nil || tokenChannelStr != channelID.String() {
		writeError(w, http.StatusForbidden, "token does not authorize this channel")
		return
	}

	cfg, err := s.core.GetConfig(channelID)
	maxUsers := 64
	if err == nil {
		maxUsers = cfg.MaxUsers
	}

	if err := s.dir.Join(r.Context(), userID, channelID, maxUsers); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.core.AddMember(userID, channelID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	channelID, msg := channelIDParam(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	userIDStr, tokenChannelStr := joinSubject(r)
	userID, err := uuid.Parse(userIDStr)
	if err != nil || tokenChannelStr != channelID.String() {
		writeError(w, http.StatusForbidden, "token does not authorize this channel")
		return
	}

	s.dir.Leave(r.Context(), userID, channelID)
	s.core.RemoveMember(userID, channelID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type mintTokenRequest struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel_id")
		return
	}

	token, expiresAt, err := s.dir.MintJoinToken(userID, channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
