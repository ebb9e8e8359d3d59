package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jmartynas/bytemason/internal/errs"
)

const redirect = "https://bytemason.com/api/auth/callback"

func TestSignInWithOAuth(t *testing.T) {
	g := NewGoTrue("https://project.supabase.co/", "anon")

	out, err := g.SignInWithOAuth(context.Background(), OAuthRequest{Provider: "Google", RedirectTo: redirect})
	require.NoError(t, err)

	u, err := url.Parse(out.URL)
	require.NoError(t, err)
	assert.Equal(t, "project.supabase.co", u.Host)
	assert.Equal(t, "/auth/v1/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, redirect, q.Get("redirect_to"))
	assert.Equal(t, "s256", q.Get("code_challenge_method"))
	require.NotEmpty(t, out.CodeVerifier)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(out.CodeVerifier), q.Get("code_challenge"))
	assert.Empty(t, q.Get("scopes"))
}

func TestSignInWithOAuth_Scopes(t *testing.T) {
	g := NewGoTrue("https://project.supabase.co", "anon", WithPKCE(false))

	out, err := g.SignInWithOAuth(context.Background(), OAuthRequest{Provider: "github", RedirectTo: redirect})
	require.NoError(t, err)

	u, err := url.Parse(out.URL)
	require.NoError(t, err)
	assert.Equal(t, "read:user user:email", u.Query().Get("scopes"))
	assert.Empty(t, u.Query().Get("code_challenge"))
	assert.Empty(t, out.CodeVerifier)
}

func TestSignInWithOAuth_Errors(t *testing.T) {
	g := NewGoTrue("https://project.supabase.co", "anon")

	_, err := g.SignInWithOAuth(context.Background(), OAuthRequest{Provider: "myspace", RedirectTo: redirect})
	assert.ErrorIs(t, err, errs.ErrUnknownProvider)

	_, err = g.SignInWithOAuth(context.Background(), OAuthRequest{Provider: "google", RedirectTo: "/api/auth/callback"})
	assert.ErrorIs(t, err, ErrInvalidRedirect)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.SignInWithOAuth(ctx, OAuthRequest{Provider: "google", RedirectTo: redirect})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignInWithOTP(t *testing.T) {
	var got otpBody
	var gotRedirect, gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/otp", r.URL.Path)
		gotRedirect = r.URL.Query().Get("redirect_to")
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := NewGoTrue(srv.URL, "anon", WithHTTPClient(srv.Client()))
	out, err := g.SignInWithOTP(context.Background(), OTPRequest{Email: " tom@cruise.com ", RedirectTo: redirect, CreateUser: true})
	require.NoError(t, err)

	assert.Equal(t, "tom@cruise.com", got.Email)
	assert.True(t, got.CreateUser)
	assert.Equal(t, "s256", got.CodeChallengeMethod)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(out.CodeVerifier), got.CodeChallenge)
	assert.Equal(t, redirect, gotRedirect)
	assert.Equal(t, "anon", gotKey)
	assert.Equal(t, "Bearer anon", gotAuth)
}

func TestSignInWithOTP_EmptyEmail(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := NewGoTrue(srv.URL, "anon", WithHTTPClient(srv.Client()))
	_, err := g.SignInWithOTP(context.Background(), OTPRequest{Email: "   ", RedirectTo: redirect})
	assert.ErrorIs(t, err, ErrEmailRequired)
	assert.False(t, called, "auth service must not be called")
}

func TestSignInWithOTP_APIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
		rateLimited bool
	}{
		{
			name:        "current shape",
			status:      http.StatusTooManyRequests,
			body:        `{"code":429,"error_code":"over_email_send_rate_limit","msg":"email rate limit exceeded"}`,
			wantCode:    "over_email_send_rate_limit",
			wantMessage: "email rate limit exceeded",
			rateLimited: true,
		},
		{
			name:        "legacy shape",
			status:      http.StatusBadRequest,
			body:        `{"error":"invalid_request","error_description":"Unable to validate email address"}`,
			wantCode:    "invalid_request",
			wantMessage: "Unable to validate email address",
		},
		{
			name:        "not json",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantMessage: "Bad Gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewGoTrue(srv.URL, "anon", WithHTTPClient(srv.Client()))
			_, err := g.SignInWithOTP(context.Background(), OTPRequest{Email: "tom@cruise.com", RedirectTo: redirect})

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "err = %v", err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.rateLimited, IsRateLimited(err))
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Google", Label("google"))
	assert.Equal(t, "unknown", Label("unknown"))
}
