package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/server"
	"github.com/jfely/parley/internal/types"
)

type LoginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Nickname string `json:"nickname"`
}

func (s *ParleyApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ParleyApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Secret == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.creds.Create(req.Username, req.Secret, req.Nickname)
	if err != nil {
		var errResp *ApiError
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			errResp = NewConflictError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, user)
}

func (s *ParleyApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.creds.Verify(req.Username, req.Secret)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, auth.ErrInvalidCredentials) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.tokens.Issue(user.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createTokenCookie(token, auth.DefaultTokenExp))
	s.writeJson(w, http.StatusOK, user)
}

func createTokenCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *ParleyApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        account.Id,
		Username:  account.Username,
		Nickname:  account.Nickname,
		Status:    account.Status,
		LastLogin: account.LastLogin,
	})
}

func (s *ParleyApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired empty token
	http.SetCookie(w, createTokenCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *ParleyApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check failed:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWs upgrades the connection and hands it to the chat server. A
// valid token cookie pre-authenticates the session; without one the
// session starts unauthenticated and must LOGIN in-band.
func (s *ParleyApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log, s.stats)
	s.cs.AttachClient(client)

	if user, ok := s.cookieUser(r); ok {
		s.cs.RegisterSession(client, user)
	}

	go client.Write()
	go client.Read()
}

func (s *ParleyApp) cookieUser(r *http.Request) (types.User, bool) {
	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return types.User{}, false
	}

	userId, err := s.tokens.Verify(cookie.Value)
	if err != nil {
		s.log.Println("invalid token cookie on upgrade:", err)
		return types.User{}, false
	}

	account, err := s.db.GetAccountById(userId)
	if err != nil {
		s.log.Println("failed to look up account for token cookie:", err)
		return types.User{}, false
	}

	return types.User{
		Id:        account.Id,
		Username:  account.Username,
		Nickname:  account.Nickname,
		Status:    account.Status,
		LastLogin: account.LastLogin,
	}, true
}
