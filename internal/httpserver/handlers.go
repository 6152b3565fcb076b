package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"bot-match/internal/wa"

	"github.com/go-chi/chi/v5"
)

const defaultSessionName = "WhatsApp Session"

type connectRequest struct {
	Name string `json:"name"`
}

type connectResponse struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
	Code      string `json:"code"`
}

type sessionResponse struct {
	SessionID           string     `json:"sessionId"`
	Number              string     `json:"number"`
	Name                string     `json:"name"`
	IsActive            bool       `json:"isActive"`
	IsRealTimeConnected bool       `json:"isRealTimeConnected"`
	State               string     `json:"state"`
	ConnectedAt         *time.Time `json:"connectedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

type statusResponse struct {
	Connected bool            `json:"connected"`
	State     string          `json:"state"`
	Session   sessionResponse `json:"session"`
}

type disconnectRequest struct {
	Number string `json:"number"`
}

type sendMessageRequest struct {
	To          string `json:"to"`
	Text        string `json:"text"`
	ImageBase64 string `json:"imageBase64"`
}

func toSessionResponse(v wa.SessionView) sessionResponse {
	return sessionResponse{
		SessionID:           v.ID,
		Number:              v.Number,
		Name:                v.DisplayName,
		IsActive:            v.IsActive,
		IsRealTimeConnected: v.IsRealTimeConnected,
		State:               string(v.State),
		ConnectedAt:         v.ConnectedAt,
		CreatedAt:           v.CreatedAt,
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultSessionName
	}

	sessionID := wa.NewSessionID()
	if err := s.deps.Sessions.Connect(r.Context(), sessionID, name); err != nil {
		s.fail(w, "connect session", err)
		return
	}

	artifact, err := s.deps.Sessions.RequestPairingArtifact(r.Context(), sessionID, s.deps.PairingTimeout)
	if err != nil {
		s.fail(w, "request pairing artifact", err)
		return
	}
	png, err := artifact.PNG(0)
	if err != nil {
		s.fail(w, "render pairing qr", err)
		return
	}

	writeJSON(w, http.StatusOK, connectResponse{
		SessionID: sessionID,
		QR:        base64.StdEncoding.EncodeToString(png),
		Code:      artifact.Code,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Sessions.Status(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.fail(w, "session status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Connected: view.IsRealTimeConnected,
		State:     string(view.State),
		Session:   toSessionResponse(view),
	})
}

func (s *Server) handleNumbers(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Sessions.Sessions(r.Context())
	if err != nil {
		s.fail(w, "list sessions", err)
		return
	}
	out := make([]sessionResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toSessionResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Number) == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	if err := s.deps.Sessions.Disconnect(r.Context(), req.Number); err != nil {
		s.fail(w, "disconnect session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "WhatsApp disconnected successfully"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if wa.DigitsOnly(req.To) == "" || (strings.TrimSpace(req.Text) == "" && req.ImageBase64 == "") {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	var image []byte
	if req.ImageBase64 != "" {
		raw := req.ImageBase64
		if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i >= 0 {
			raw = raw[i+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "imageBase64 is not valid base64")
			return
		}
		image = decoded
	}

	if err := s.deps.Sessions.Send(r.Context(), req.To, req.Text, image); err != nil {
		s.fail(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(action+" failed", "error", err)
	} else {
		s.logger.Warn(action+" rejected", "error", err)
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, wa.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, wa.ErrPairingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, wa.ErrNoLiveSession):
		return http.StatusServiceUnavailable
	case errors.Is(err, wa.ErrInvalidSessionID), errors.Is(err, wa.ErrAlreadyPaired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
