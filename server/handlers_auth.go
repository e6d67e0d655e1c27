package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/mission-tender/auth"
)

// HandleAuth exchanges the dashboard password for a token.
func (h *Handlers) HandleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, ok := h.Auth.Login(req.Password)
	if !ok {
		writeFail(w, http.StatusUnauthorized, "비밀번호가 틀렸습니다")
		return
	}
	writeOK(w, map[string]any{"token": token})
}

// HandleChangePassword replaces the password and returns the new token.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"newPassword"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := h.Auth.Change(req.NewPassword)
	if errors.Is(err, auth.ErrTooShort) {
		writeFail(w, http.StatusBadRequest, "4자 이상 입력")
		return
	}
	if err != nil {
		h.Logger.Error("change password", slog.Any("err", err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeOK(w, map[string]any{"token": token})
}
