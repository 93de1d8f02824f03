package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/mixer"
	"github.com/audiorelay/voicecore/internal/mixpool"
	"github.com/audiorelay/voicecore/internal/router"
	"github.com/audiorelay/voicecore/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *directory.InMemory, uuid.UUID, uuid.UUID) {
	t.Helper()
	dir := directory.NewInMemory([]byte("0123456789abcdef0123456789abcdef"), nil)

	core := router.New(32, dir, nil)
	mix := mixer.New()
	pool := mixpool.New(mixpool.DefaultConfig(), func(p []*wire.AudioPacket, c uuid.UUID) ([]byte, time.Duration) {
		return nil, 0
	}, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-key"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	s := NewServer(core, mix, pool, dir, hash, false)

	channelID := uuid.New()
	userID := uuid.New()
	core.AddMember(userID, channelID)

	return s, dir, userID, channelID
}

func TestHandleHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandlePoolHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool/health", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandleChannelConfigRoundtrip(t *testing.T) {
	s, _, _, channelID := newTestServer(t)

	body := `{"max_users":10,"quality_mode":"High","latency_target_ms":80,"bitrate_hint_kbps":96,"echo_cancel":true,"noise_suppress":true}`
	req := httptest.NewRequest(http.MethodPut, "/v1/channels/"+channelID.String()+"/config", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT config expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/channels/"+channelID.String()+"/config", nil)
	rr2 := httptest.NewRecorder()
	s.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("GET config expected 200, got %d", rr2.Code)
	}

	var env envelope
	if err := json.Unmarshal(rr2.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["QualityMode"].(float64) != float64(router.ModeHigh) {
		t.Fatalf("quality mode not persisted: %v", data["QualityMode"])
	}
}

func TestHandleChannelConfigRejectsBadMode(t *testing.T) {
	s, _, _, channelID := newTestServer(t)

	body := `{"quality_mode":"Bogus"}`
	req := httptest.NewRequest(http.MethodPut, "/v1/channels/"+channelID.String()+"/config", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleChannelStatsUnknownChannel(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/channels/"+uuid.New().String()+"/stats", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleMintTokenRequiresAdminKey(t *testing.T) {
	s, _, userID, channelID := newTestServer(t)

	body, _ := json.Marshal(mintTokenRequest{UserID: userID.String(), ChannelID: channelID.String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rr.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/tokens/", bytes.NewBuffer(body))
	req2.Header.Set("Authorization", "Bearer admin-key")
	rr2 := httptest.NewRecorder()
	s.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin key, got %d: %s", rr2.Code, rr2.Body.String())
	}
}

func TestHandleJoinAndLeave(t *testing.T) {
	s, dir, userID, channelID := newTestServer(t)

	token, _, err := dir.MintJoinToken(userID, channelID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channelID.String()+"/join", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("join expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	member, err := dir.IsMember(req.Context(), userID, channelID)
	if err != nil || !member {
		t.Fatalf("expected user to be a member after join, member=%v err=%v", member, err)
	}

	leaveReq := httptest.NewRequest(http.MethodDelete, "/v1/channels/"+channelID.String()+"/members/self", nil)
	leaveReq.Header.Set("Authorization", "Bearer "+token)
	leaveRR := httptest.NewRecorder()
	s.ServeHTTP(leaveRR, leaveReq)
	if leaveRR.Code != http.StatusOK {
		t.Fatalf("leave expected 200, got %d", leaveRR.Code)
	}

	member, _ = dir.IsMember(leaveReq.Context(), userID, channelID)
	if member {
		t.Fatal("expected user to no longer be a member after leave")
	}
}

func TestHandleJoinRejectsMismatchedChannel(t *testing.T) {
	s, dir, userID, channelID := newTestServer(t)
	otherChannel := uuid.New()

	token, _, err := dir.MintJoinToken(userID, channelID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+otherChannel.String()+"/join", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched channel, got %d", rr.Code)
	}
}
