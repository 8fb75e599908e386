package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"CatMap/pkg/kit"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Log   *zap.Logger
	Store UserStore
	JWT   *TokenMaker
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

type loginResp struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req loginReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	req.Email = normalizeEmail(req.Email)
	req.Password = normalizePassword(req.Password)

	if req.Email == "" || req.Password == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "email/password required", nil)
		return
	}

	u, err := s.Store.Verify(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		kit.WriteError(w, r, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	if err != nil {
		s.Log.Error("verify failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	if u.TOTPEnabled {
		code := strings.TrimSpace(req.TOTPCode)
		if code == "" {
			kit.WriteError(w, r, http.StatusUnauthorized, "totp code required", nil)
			return
		}
		if !validTOTP(code, u.TOTPSecret) {
			kit.WriteError(w, r, http.StatusUnauthorized, "totp code invalid", nil)
			return
		}
	}

	tok, err := s.JWT.New(u.ID, u.Email, u.Role, tokenTTL)
	if err != nil {
		s.Log.Error("token issue", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	kit.WriteJSON(w, http.StatusOK, loginResp{AccessToken: tok})
}

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req registerReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	req.Email = normalizeEmail(req.Email)
	req.Password = normalizePassword(req.Password)

	if req.Email == "" || req.Password == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "email/password required", nil)
		return
	}
	if len(req.Password) < 8 {
		kit.WriteError(w, r, http.StatusBadRequest, "password too short", map[string]any{"min_len": 8})
		return
	}

	id := "u_" + uuid.NewString()

	if err := s.Store.Create(r.Context(), req.Email, req.Password, RoleAdmin, id); err != nil {
		if errors.Is(err, ErrEmailExists) {
			kit.WriteError(w, r, http.StatusConflict, "email already exists", nil)
			return
		}
		s.Log.Error("create user failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		kit.WriteError(w, r, http.StatusUnauthorized, "missing token", nil)
		return
	}

	kit.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": p.UserID,
		"email":   p.Email,
		"role":    p.Role,
	})
}

type totpSetupResp struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		kit.WriteError(w, r, http.StatusUnauthorized, "missing token", nil)
		return
	}

	secret, url, err := newTOTPSecret(p.Email)
	if err != nil {
		s.Log.Error("totp generate failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	if err := s.Store.SetTOTPSecret(r.Context(), p.UserID, secret); err != nil {
		s.Log.Error("save totp secret failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	kit.WriteJSON(w, http.StatusOK, totpSetupResp{Secret: secret, OtpauthURL: url})
}

type totpVerifyReq struct {
	Code string `json:"code"`
}

// handleTOTPVerify proves the authenticator was enrolled. The first
// successful code flips the account to require TOTP on every login.
func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		kit.WriteError(w, r, http.StatusUnauthorized, "missing token", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req totpVerifyReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "code required", nil)
		return
	}

	u, err := s.Store.Find(r.Context(), p.Email)
	if err != nil {
		s.Log.Error("find user failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}
	if u.TOTPSecret == "" {
		kit.WriteError(w, r, http.StatusConflict, "totp not provisioned", nil)
		return
	}

	if !validTOTP(code, u.TOTPSecret) {
		kit.WriteError(w, r, http.StatusUnauthorized, "totp code invalid", nil)
		return
	}

	if !u.TOTPEnabled {
		if err := s.Store.EnableTOTP(r.Context(), u.ID); err != nil {
			s.Log.Error("enable totp failed", zap.Error(err))
			kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
			return
		}
	}

	kit.WriteJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (s *Server) handleTOTPQR(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		kit.WriteError(w, r, http.StatusUnauthorized, "missing token", nil)
		return
	}

	u, err := s.Store.Find(r.Context(), p.Email)
	if err != nil {
		s.Log.Error("find user failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}
	if u.TOTPSecret == "" {
		kit.WriteError(w, r, http.StatusNotFound, "totp not provisioned", nil)
		return
	}

	png, err := qrPNG(otpauthURL(u.Email, u.TOTPSecret))
	if err != nil {
		s.Log.Error("qr encode failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
		return
	}

	kit.WritePNG(w, http.StatusOK, png)
}
