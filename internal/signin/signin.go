// Package signin owns the sign-in page's form state and its two triggers: starting
// an OAuth flow and sending a magic link. Identity verification itself belongs to the
// external auth service behind authclient.Client.
//
// A view moves idle -> loading -> idle, or idle -> loading -> disabled once a magic
// link went out. Disabled is terminal until the page is mounted again.
package signin

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/attempt"
	"github.com/jmartynas/bytemason/internal/authclient"
	"github.com/jmartynas/bytemason/internal/errs"
	"github.com/jmartynas/bytemason/internal/viewstore"
)

const (
	CallbackPath = "/api/auth/callback"

	NoticeMagicLinkSent = "Check your emails!"

	ErrTextGeneric     = "Something went wrong. Please try again."
	ErrTextEmail       = "Please enter a valid email address."
	ErrTextBusy        = "A sign-in request is already in progress."
	ErrTextAlreadySent = "A magic link was already sent. Open the sign-in page again to send another."
	ErrTextRateLimited = "Too many sign-in emails were requested. Please try again later."
	ErrTextProvider    = "This sign-in method is not available."
)

var errEmptyRedirect = errors.New("auth: empty oauth redirect")

// CallbackURL is the redirect target handed to the auth service for both flows.
func CallbackURL(origin string) string {
	return strings.TrimRight(origin, "/") + CallbackPath
}

// View is a mounted sign-in page.
type View struct {
	ID    string
	State viewstore.FormState
}

// Outcome is what a trigger produced. Exactly one of RedirectURL, Notice or Error is
// set; CodeVerifier accompanies a PKCE flow and has to reach the callback.
type Outcome struct {
	RedirectURL  string
	CodeVerifier string
	Notice       string
	Error        string
	State        viewstore.FormState
}

func (o Outcome) OK() bool { return o.Error == "" }

type Options struct {
	ViewTTL time.Duration
	// Providers offered on the page. Others are refused before reaching the client.
	Providers []string
	// MagicLinkLimit caps links sent to one address within MagicLinkWindow. Zero disables.
	MagicLinkLimit  int
	MagicLinkWindow time.Duration
	// LoadingTimeout is how long a loading flag holds off other triggers. An older flag
	// was left by a trigger that never finished and counts as idle. Zero never expires it.
	LoadingTimeout time.Duration
}

type Service struct {
	client   authclient.Client
	store    viewstore.Store
	attempts attempt.Recorder
	log      logrus.FieldLogger
	opts     Options
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*viewLock
}

func NewService(
	client authclient.Client,
	store viewstore.Store,
	attempts attempt.Recorder,
	log logrus.FieldLogger,
	opts Options,
) *Service {
	if attempts == nil {
		attempts = attempt.Nop{}
	}
	return &Service{
		client:   client,
		store:    store,
		attempts: attempts,
		log:      log.WithField("component", "signin"),
		opts:     opts,
		now:      time.Now,
		locks:    make(map[string]*viewLock),
	}
}

func (s *Service) Providers() []string {
	return append([]string(nil), s.opts.Providers...)
}

// Mount creates a fresh idle view.
func (s *Service) Mount(ctx context.Context) (View, error) {
	v := View{ID: uuid.NewString()}
	if err := s.store.Save(ctx, v.ID, v.State, s.opts.ViewTTL); err != nil {
		return View{}, fmt.Errorf("mount view: %w", err)
	}
	return v, nil
}

// Resume returns the view for id, or mounts a new one if id is unknown or expired.
func (s *Service) Resume(ctx context.Context, id string) (View, error) {
	if _, err := uuid.Parse(id); err != nil {
		return s.Mount(ctx)
	}
	state, err := s.store.Load(ctx, id)
	if errors.Is(err, errs.ErrViewNotFound) {
		return s.Mount(ctx)
	}
	if err != nil {
		return View{}, fmt.Errorf("resume view: %w", err)
	}
	return View{ID: id, State: state}, nil
}

// StartOAuth asks the auth service where to send the browser for provider. Client
// failures never escape: they are logged and turned into an inline error.
func (s *Service) StartOAuth(ctx context.Context, viewID, origin, provider string, meta Meta) Outcome {
	log := s.log.WithFields(logrus.Fields{"view_id": viewID, "method": attempt.MethodOAuth, "provider": provider})
	rec := attempt.Attempt{ViewID: viewID, Method: attempt.MethodOAuth, Provider: provider, ClientIP: meta.ClientIP}

	if !s.offers(provider) {
		s.record(ctx, log, rec, attempt.OutcomeRejected)
		state := s.loadOrIdle(ctx, viewID)
		return Outcome{Error: ErrTextProvider, State: state}
	}

	release, state, failure, ok := s.begin(ctx, log, viewID, false)
	if !ok {
		s.record(ctx, log, rec, attempt.OutcomeRejected)
		return failure
	}
	defer release()
	defer s.settle(ctx, log, viewID, state)

	redirect, err := s.client.SignInWithOAuth(ctx, authclient.OAuthRequest{
		Provider:   provider,
		RedirectTo: CallbackURL(origin),
	})
	if err == nil && (redirect == nil || redirect.URL == "") {
		err = errEmptyRedirect
	}

	state = idle(state)
	s.save(ctx, log, viewID, state)

	if err != nil {
		log.WithError(err).Error("start oauth flow")
		s.record(ctx, log, rec, attempt.OutcomeFailed)
		return Outcome{Error: ErrTextGeneric, State: state}
	}
	s.record(ctx, log, rec, attempt.OutcomeRedirected)
	return Outcome{RedirectURL: redirect.URL, CodeVerifier: redirect.CodeVerifier, State: state}
}

// SendMagicLink asks the auth service to email a one-time link. On success the view
// stays disabled until it is mounted again.
func (s *Service) SendMagicLink(ctx context.Context, viewID, origin, email string, meta Meta) Outcome {
	email = strings.TrimSpace(email)
	log := s.log.WithFields(logrus.Fields{"view_id": viewID, "method": attempt.MethodMagicLink})
	rec := attempt.Attempt{ViewID: viewID, Method: attempt.MethodMagicLink, Email: email, ClientIP: meta.ClientIP}

	if !validEmail(email) {
		s.record(ctx, log, rec, attempt.OutcomeRejected)
		state := s.loadOrIdle(ctx, viewID)
		state.Email = email
		return Outcome{Error: ErrTextEmail, State: state}
	}

	release, state, failure, ok := s.begin(ctx, log, viewID, true)
	if !ok {
		s.record(ctx, log, rec, attempt.OutcomeRejected)
		return failure
	}
	defer release()
	state.Email = email
	defer s.settle(ctx, log, viewID, state)

	if s.overLimit(ctx, log, email) {
		state = idle(state)
		s.save(ctx, log, viewID, state)
		s.record(ctx, log, rec, attempt.OutcomeRateLimited)
		return Outcome{Error: ErrTextRateLimited, State: state}
	}

	sent, err := s.client.SignInWithOTP(ctx, authclient.OTPRequest{
		Email:      email,
		RedirectTo: CallbackURL(origin),
		CreateUser: true,
	})

	state = idle(state)
	if err != nil {
		s.save(ctx, log, viewID, state)
		log.WithError(err).Error("send magic link")
		if authclient.IsRateLimited(err) {
			s.record(ctx, log, rec, attempt.OutcomeRateLimited)
			return Outcome{Error: ErrTextRateLimited, State: state}
		}
		s.record(ctx, log, rec, attempt.OutcomeFailed)
		return Outcome{Error: ErrTextGeneric, State: state}
	}

	state.IsDisabled = true
	s.save(ctx, log, viewID, state)
	s.record(ctx, log, rec, attempt.OutcomeSent)
	out := Outcome{Notice: NoticeMagicLinkSent, State: state}
	if sent != nil {
		out.CodeVerifier = sent.CodeVerifier
	}
	return out
}

// Meta carries request details kept in the attempt log.
type Meta struct {
	ClientIP string
}

// begin moves a view from idle to loading. The returned release must be called once
// the trigger has finished. When ok is false, failure says why.
func (s *Service) begin(ctx context.Context, log logrus.FieldLogger, viewID string, magicLink bool) (release func(), state viewstore.FormState, failure Outcome, ok bool) {
	release, ok = s.acquire(viewID)
	if !ok {
		state = s.loadOrIdle(ctx, viewID)
		return nil, state, Outcome{Error: ErrTextBusy, State: state}, false
	}

	state, err := s.store.Load(ctx, viewID)
	if err != nil {
		release()
		if !errors.Is(err, errs.ErrViewNotFound) {
			log.WithError(err).Error("load view")
		}
		return nil, viewstore.FormState{}, Outcome{Error: ErrTextGeneric}, false
	}
	if state.IsLoading && s.stale(state) {
		log.WithField("loading_since", state.LoadingSince).Warn("clearing stale loading flag")
		state = idle(state)
	}
	switch {
	case state.IsLoading:
		release()
		return nil, state, Outcome{Error: ErrTextBusy, State: state}, false
	case magicLink && state.IsDisabled:
		release()
		return nil, state, Outcome{Error: ErrTextAlreadySent, State: state}, false
	}

	state.IsLoading = true
	state.LoadingSince = s.now().UnixMilli()
	if err := s.store.Save(ctx, viewID, state, s.opts.ViewTTL); err != nil {
		release()
		log.WithError(err).Error("save view")
		state = idle(state)
		return nil, state, Outcome{Error: ErrTextGeneric, State: state}, false
	}
	return release, state, Outcome{}, true
}

// settle runs deferred in a trigger. If the trigger panicked, the view leaves loading
// before the panic continues.
func (s *Service) settle(ctx context.Context, log logrus.FieldLogger, viewID string, state viewstore.FormState) {
	r := recover()
	if r == nil {
		return
	}
	log.WithField("panic", r).Error("sign-in trigger panicked")
	s.save(ctx, log, viewID, idle(state))
	panic(r)
}

func (s *Service) stale(state viewstore.FormState) bool {
	if s.opts.LoadingTimeout <= 0 {
		return false
	}
	since := time.UnixMilli(state.LoadingSince)
	return s.now().Sub(since) >= s.opts.LoadingTimeout
}

func idle(state viewstore.FormState) viewstore.FormState {
	state.IsLoading = false
	state.LoadingSince = 0
	return state
}

type viewLock struct {
	mu   sync.Mutex
	refs int
}

// acquire takes the in-process lock for a view without waiting.
func (s *Service) acquire(id string) (release func(), ok bool) {
	s.mu.Lock()
	l, found := s.locks[id]
	if !found {
		l = &viewLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	if !l.mu.TryLock() {
		s.unref(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		s.unref(id, l)
	}, true
}

func (s *Service) unref(id string, l *viewLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// save is used after the client call: the state must reach the store but the
// trigger's result is already decided, so failures are only logged.
func (s *Service) save(ctx context.Context, log logrus.FieldLogger, viewID string, state viewstore.FormState) {
	// The request context may be done by now; the state still has to leave loading.
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Save(ctx, viewID, state, s.opts.ViewTTL); err != nil {
		log.WithError(err).Error("save view")
	}
}

func (s *Service) loadOrIdle(ctx context.Context, viewID string) viewstore.FormState {
	state, err := s.store.Load(ctx, viewID)
	if err != nil {
		return viewstore.FormState{}
	}
	return state
}

func (s *Service) record(ctx context.Context, log logrus.FieldLogger, a attempt.Attempt, outcome attempt.Outcome) {
	a.Outcome = outcome
	a.CreatedAt = s.now().UTC()
	if err := s.attempts.Record(context.WithoutCancel(ctx), a); err != nil {
		log.WithError(err).Warn("record sign-in attempt")
	}
}

func (s *Service) overLimit(ctx context.Context, log logrus.FieldLogger, email string) bool {
	if s.opts.MagicLinkLimit <= 0 || s.opts.MagicLinkWindow <= 0 {
		return false
	}
	n, err := s.attempts.CountMagicLinks(ctx, email, s.now().Add(-s.opts.MagicLinkWindow))
	if err != nil {
		// The auth service enforces its own limit; an unreadable log must not block sign-in.
		log.WithError(err).Warn("count magic links")
		return false
	}
	return n >= s.opts.MagicLinkLimit
}

func (s *Service) offers(provider string) bool {
	for _, p := range s.opts.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
