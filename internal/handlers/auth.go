package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
)

// APIKeyFromRequest extracts the caller's credential. Precedence: the
// Authorization bearer token, then the x-api-key header, then the
// access_token cookie set by the OAuth callback. Returns "" when none is
// present.
func APIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthHandler serves the OAuth callback that turns an authorization code
// into an API-key cookie, so browser viewers can pass the credential check
// without setting headers.
type AuthHandler struct {
	config *common.Config
	logger arbor.ILogger
	client *http.Client
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(config *common.Config, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{
		config: config,
		logger: logger,
		client: &http.Client{},
	}
}

// CallbackHandler exchanges the authorization code at the token endpoint
// and sets the access_token cookie. GET /callback?code=...&redirect_to=...
func (h *AuthHandler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		WriteError(w, http.StatusBadRequest, "Missing authorization code")
		return
	}

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
		"client_id":  {r.Host},
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.config.Auth.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Token exchange failed")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Token exchange request failed")
		WriteError(w, http.StatusBadGateway, "Token exchange failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		h.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("Token endpoint rejected code")
		WriteError(w, http.StatusUnauthorized, "Token exchange failed")
		return
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil || token.AccessToken == "" {
		WriteError(w, http.StatusBadGateway, "Token endpoint returned no access token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    token.AccessToken,
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})

	redirectTo := r.URL.Query().Get("redirect_to")
	if redirectTo == "" {
		redirectTo = "/"
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// AuthorizeURL builds the external authorization URL a browser viewer is
// sent to when its credential does not match a group's.
func (h *AuthHandler) AuthorizeURL(r *http.Request) string {
	current := url.QueryEscape(fmt.Sprintf("%s/callback?redirect_to=%s", h.config.PublicOrigin(), url.QueryEscape(r.URL.String())))
	return fmt.Sprintf("%s?client_id=%s&redirect_uri=%s&response_type=code",
		h.config.Auth.AuthorizeEndpoint, r.Host, current)
}
