package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/authclient"
	"github.com/jmartynas/bytemason/internal/config"
	"github.com/jmartynas/bytemason/internal/middleware"
	"github.com/jmartynas/bytemason/internal/signin"
	"github.com/jmartynas/bytemason/internal/viewstore"
	"github.com/jmartynas/bytemason/respond"
)

const (
	flashNotice = "notice"
	flashError  = "error"

	// SessionCodeVerifier holds the PKCE verifier the callback exchanges the code with.
	SessionCodeVerifier = "code_verifier"

	maxFormBytes = 16 << 10
)

//go:embed templates/signin.html
var templateFS embed.FS

var signinPage = template.Must(template.ParseFS(templateFS, "templates/signin.html"))

type SigninHandler struct {
	App         config.App
	Service     *signin.Service
	Sessions    sessions.Store
	SessionName string
	Log         logrus.FieldLogger
}

type providerButton struct {
	Name   string
	Label  string
	Action string
}

type pageData struct {
	App             config.App
	Primary         template.CSS
	HomeURL         string
	ViewID          string
	Email           string
	IsLoading       bool
	IsDisabled      bool
	Providers       []providerButton
	MagicLinkAction string
	Notices         []string
	Errors          []string
}

type viewResponse struct {
	ViewID    string              `json:"view_id"`
	State     viewstore.FormState `json:"state"`
	Providers []string            `json:"providers"`
	Notices   []string            `json:"notices,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
}

type triggerResponse struct {
	ViewID      string              `json:"view_id"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	Notice      string              `json:"notice,omitempty"`
	State       viewstore.FormState `json:"state"`
}

// Page renders the sign-in page. Without a known ?view= a fresh view is mounted.
func (h *SigninHandler) Page(w http.ResponseWriter, r *http.Request) {
	log := middleware.RequestLogger(r.Context(), h.Log)

	view, err := h.Service.Resume(r.Context(), r.URL.Query().Get("view"))
	if err != nil {
		log.WithError(err).Error("mount sign-in view")
		if respond.WantsJSON(r) {
			respond.InternalServerError(signin.ErrTextGeneric).Respond(w)
			return
		}
		http.Error(w, signin.ErrTextGeneric, http.StatusInternalServerError)
		return
	}

	sess, _ := h.Sessions.Get(r, h.SessionName)
	notices := flashes(sess, flashNotice)
	errors := flashes(sess, flashError)
	if len(notices) > 0 || len(errors) > 0 {
		if err := sess.Save(r, w); err != nil {
			log.WithError(err).Warn("clear flashes")
		}
	}

	if respond.WantsJSON(r) {
		respond.JSON(w, http.StatusOK, viewResponse{
			ViewID:    view.ID,
			State:     view.State,
			Providers: h.Service.Providers(),
			Notices:   notices,
			Errors:    errors,
		})
		return
	}

	data := pageData{
		App:             h.App,
		Primary:         template.CSS(h.App.Theme.Primary),
		HomeURL:         "/",
		ViewID:          view.ID,
		Email:           view.State.Email,
		IsLoading:       view.State.IsLoading,
		IsDisabled:      view.State.IsDisabled,
		MagicLinkAction: h.App.Auth.LoginURL + "/magic-link",
		Notices:         notices,
		Errors:          errors,
	}
	for _, p := range h.Service.Providers() {
		data.Providers = append(data.Providers, providerButton{
			Name:   p,
			Label:  authclient.Label(p),
			Action: h.App.Auth.LoginURL + "/oauth/" + url.PathEscape(p),
		})
	}

	var buf bytes.Buffer
	if err := signinPage.Execute(&buf, data); err != nil {
		log.WithError(err).Error("render sign-in page")
		http.Error(w, signin.ErrTextGeneric, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// OAuth starts the flow for {provider} and sends the browser to the provider.
func (h *SigninHandler) OAuth(w http.ResponseWriter, r *http.Request) {
	log := middleware.RequestLogger(r.Context(), h.Log)
	if !h.parseForm(w, r) {
		return
	}
	viewID := r.PostFormValue("view")
	provider := strings.ToLower(strings.TrimSpace(r.PathValue("provider")))

	out := h.Service.StartOAuth(r.Context(), viewID, middleware.GetOrigin(r.Context()), provider, meta(r))
	if out.OK() && !h.keepVerifier(w, r, log, out.CodeVerifier) {
		out = signin.Outcome{Error: signin.ErrTextGeneric, State: out.State}
	}
	if !out.OK() {
		h.finish(w, r, log, viewID, out)
		return
	}

	if respond.WantsJSON(r) {
		respond.JSON(w, http.StatusOK, triggerResponse{ViewID: viewID, RedirectURL: out.RedirectURL, State: out.State})
		return
	}
	http.Redirect(w, r, out.RedirectURL, http.StatusSeeOther)
}

// MagicLink asks the auth service to email a sign-in link to the submitted address.
func (h *SigninHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	log := middleware.RequestLogger(r.Context(), h.Log)
	if !h.parseForm(w, r) {
		return
	}
	viewID := r.PostFormValue("view")

	out := h.Service.SendMagicLink(r.Context(), viewID, middleware.GetOrigin(r.Context()), r.PostFormValue("email"), meta(r))
	if out.OK() && !h.keepVerifier(w, r, log, out.CodeVerifier) {
		// The link is out; only the verifier for this browser is lost.
		log.Warn("magic link sent without a stored code verifier")
	}
	h.finish(w, r, log, viewID, out)
}

// finish answers a trigger that does not leave the page: flash and back to the view,
// or the outcome as JSON.
func (h *SigninHandler) finish(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, viewID string, out signin.Outcome) {
	if respond.WantsJSON(r) {
		if !out.OK() {
			errorFor(out.Error).Respond(w)
			return
		}
		respond.JSON(w, http.StatusOK, triggerResponse{ViewID: viewID, Notice: out.Notice, State: out.State})
		return
	}

	sess, _ := h.Sessions.Get(r, h.SessionName)
	if out.OK() {
		sess.AddFlash(out.Notice, flashNotice)
	} else {
		sess.AddFlash(out.Error, flashError)
	}
	if err := sess.Save(r, w); err != nil {
		log.WithError(err).Warn("save flash")
	}
	http.Redirect(w, r, h.pageURL(viewID), http.StatusSeeOther)
}

func (h *SigninHandler) keepVerifier(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, verifier string) bool {
	if verifier == "" {
		return true
	}
	sess, _ := h.Sessions.Get(r, h.SessionName)
	sess.Values[SessionCodeVerifier] = verifier
	if err := sess.Save(r, w); err != nil {
		log.WithError(err).Error("store code verifier")
		return false
	}
	return true
}

func (h *SigninHandler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		respond.BadRequest("invalid form").Respond(w)
		return false
	}
	return true
}

func (h *SigninHandler) pageURL(viewID string) string {
	if _, err := uuid.Parse(viewID); err != nil {
		return h.App.Auth.LoginURL
	}
	return h.App.Auth.LoginURL + "?view=" + url.QueryEscape(viewID)
}

func errorFor(text string) *respond.APIError {
	switch text {
	case signin.ErrTextEmail:
		return respond.BadRequest(text)
	case signin.ErrTextProvider:
		return respond.New(http.StatusNotFound, text)
	case signin.ErrTextBusy, signin.ErrTextAlreadySent:
		return respond.Conflict(text)
	case signin.ErrTextRateLimited:
		return respond.TooManyRequests(text)
	default:
		return respond.BadGateway(text)
	}
}

func flashes(sess *sessions.Session, key string) []string {
	var out []string
	for _, f := range sess.Flashes(key) {
		if s, ok := f.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func meta(r *http.Request) signin.Meta {
	return signin.Meta{ClientIP: middleware.GetRealIP(r.Context())}
}
