// Package authclient talks to the external auth service (a GoTrue compatible API)
// that owns identity verification. It only starts flows: the code exchange happens
// in the callback route, outside this service.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"github.com/jmartynas/bytemason/internal/errs"
)

const (
	DefaultTimeout = 10 * time.Second

	authorizePath = "/auth/v1/authorize"
	otpPath       = "/auth/v1/otp"

	challengeMethod = "s256"
	clientInfo      = "bytemason-signin/1.0"
)

var (
	ErrEmailRequired   = errors.New("auth: email is required")
	ErrInvalidRedirect = errors.New("auth: redirect URL must be absolute")
)

// Client is the pair of capabilities the sign-in page needs from the auth service.
type Client interface {
	SignInWithOAuth(ctx context.Context, req OAuthRequest) (*OAuthRedirect, error)
	SignInWithOTP(ctx context.Context, req OTPRequest) (*OTPSent, error)
}

type OAuthRequest struct {
	Provider   string
	RedirectTo string
}

// OAuthRedirect is where the browser has to go next. CodeVerifier is set in PKCE mode
// and must be kept for the callback.
type OAuthRedirect struct {
	URL          string
	CodeVerifier string
}

type OTPRequest struct {
	Email      string
	RedirectTo string
	CreateUser bool
}

type OTPSent struct {
	CodeVerifier string
}

type GoTrue struct {
	baseURL    string
	apiKey     string
	pkce       bool
	httpClient *http.Client
}

type Option func(*GoTrue)

func WithHTTPClient(c *http.Client) Option {
	return func(g *GoTrue) { g.httpClient = c }
}

func WithPKCE(enabled bool) Option {
	return func(g *GoTrue) { g.pkce = enabled }
}

func NewGoTrue(baseURL, apiKey string, opts ...Option) *GoTrue {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = DefaultTimeout
	g := &GoTrue{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		pkce:       true,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SignInWithOAuth builds the authorize URL for provider. No request is made: the
// browser follows the URL to the provider's consent screen.
func (g *GoTrue) SignInWithOAuth(ctx context.Context, req OAuthRequest) (*OAuthRedirect, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	spec, ok := Registry[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownProvider, req.Provider)
	}
	if err := checkRedirect(req.RedirectTo); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("provider", provider)
	q.Set("redirect_to", req.RedirectTo)
	if len(spec.Scopes) > 0 {
		q.Set("scopes", strings.Join(spec.Scopes, " "))
	}

	out := &OAuthRedirect{}
	if g.pkce {
		out.CodeVerifier = oauth2.GenerateVerifier()
		q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(out.CodeVerifier))
		q.Set("code_challenge_method", challengeMethod)
	}
	out.URL = g.baseURL + authorizePath + "?" + q.Encode()
	return out, nil
}

type otpBody struct {
	Email               string         `json:"email"`
	CreateUser          bool           `json:"create_user"`
	Data                map[string]any `json:"data"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
}

// SignInWithOTP asks the auth service to email a one-time sign-in link.
func (g *GoTrue) SignInWithOTP(ctx context.Context, req OTPRequest) (*OTPSent, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if err := checkRedirect(req.RedirectTo); err != nil {
		return nil, err
	}

	out := &OTPSent{}
	body := otpBody{
		Email:      email,
		CreateUser: req.CreateUser,
		Data:       map[string]any{},
	}
	if g.pkce {
		out.CodeVerifier = oauth2.GenerateVerifier()
		body.CodeChallenge = oauth2.S256ChallengeFromVerifier(out.CodeVerifier)
		body.CodeChallengeMethod = challengeMethod
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode otp request: %w", err)
	}

	endpoint := g.baseURL + otpPath + "?" + url.Values{"redirect_to": {req.RedirectTo}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build otp request: %w", err)
	}
	g.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send otp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return out, nil
}

func (g *GoTrue) setHeaders(r *http.Request) {
	r.Header.Set("apikey", g.apiKey)
	r.Header.Set("Authorization", "Bearer "+g.apiKey)
	r.Header.Set("Accept", "application/json")
	r.Header.Set("X-Client-Info", clientInfo)
}

func checkRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRedirect, raw)
	}
	return nil
}
