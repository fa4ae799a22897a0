// Package oauth drives the browser login and per-site authorization flow.
// The flow logic is a pure state machine over page observations so every
// branch is testable without a browser.
package oauth

import (
	"strings"
	"time"
)

// State names one step of the login and authorization flow.
type State string

const (
	StateStart          State = "start"
	StateEstablishTrust State = "establish_trust"
	StateLoginSubmitted State = "login_submitted"
	StateLoginFailed    State = "login_failed"
	StateLoggedIn       State = "logged_in"
	StateChallengeWait  State = "challenge_wait"
	StateAuthorize      State = "authorize_prompt"
	StateCaptured       State = "session_captured"
	StateTimeout        State = "timeout"
	StateRedirect       State = "redirect_failure"
)

// Action tells the driver what to do after a transition.
type Action string

const (
	ActionEstablishTrust Action = "establish_trust"
	ActionSubmitLogin    Action = "submit_login"
	ActionWait           Action = "wait"
	ActionClickAllow     Action = "click_allow"
	ActionProceed        Action = "proceed"
	ActionAbortGroup     Action = "abort_group"
	ActionFinishSite     Action = "finish_site"
	ActionFailSite       Action = "fail_site"
)

// LoginOutcome is the parsed result of the submitted login request.
type LoginOutcome struct {
	OK      bool
	Message string
}

// Observation is one snapshot of the page, taken every poll tick.
type Observation struct {
	PageURL          string
	PageTitle        string
	NewSessionCookie bool
	// ConsentClicked records that this flow already pressed the consent
	// button, so the prompt is not re-clicked while the page redirects.
	ConsentClicked bool
	LoginResult    *LoginOutcome
	Elapsed        time.Duration
}

// challengeTitleMarkers identify interstitial anti-bot pages by title.
var challengeTitleMarkers = []string{
	"稍候",
	"moment",
	"Cloudflare",
	"Just a",
	"checking",
}

// Machine holds the per-flow parameters the transitions depend on.
type Machine struct {
	// ProviderHost is the identity provider's hostname.
	ProviderHost string
	// SiteBudget bounds each site's authorization attempt.
	SiteBudget time.Duration
}

// Terminal reports whether a state ends its flow.
func Terminal(state State) bool {
	switch state {
	case StateLoginFailed, StateCaptured, StateTimeout, StateRedirect:
		return true
	}
	return false
}

// Transition computes the next state and the action the driver must take.
// A freshly captured session cookie wins over everything except a failed
// login, and the budget check runs before any page inspection.
func (machine Machine) Transition(state State, observation Observation) (State, Action) {
	switch state {
	case StateStart:
		return StateEstablishTrust, ActionEstablishTrust

	case StateEstablishTrust:
		if titleLooksLikeChallenge(observation.PageTitle) {
			return StateEstablishTrust, ActionWait
		}
		return StateLoginSubmitted, ActionSubmitLogin

	case StateLoginSubmitted:
		if observation.LoginResult == nil {
			return StateLoginSubmitted, ActionWait
		}
		if !observation.LoginResult.OK {
			return StateLoginFailed, ActionAbortGroup
		}
		return StateLoggedIn, ActionProceed

	case StateLoggedIn:
		// Entry point of each per-site attempt.
		return StateChallengeWait, ActionWait

	case StateChallengeWait, StateAuthorize:
		if observation.NewSessionCookie {
			return StateCaptured, ActionFinishSite
		}
		if machine.SiteBudget > 0 && observation.Elapsed >= machine.SiteBudget {
			return StateTimeout, ActionFailSite
		}
		if machine.redirectedToLogin(observation.PageURL) {
			return StateRedirect, ActionFailSite
		}
		if titleLooksLikeChallenge(observation.PageTitle) {
			return StateChallengeWait, ActionWait
		}
		if observation.ConsentClicked {
			return StateAuthorize, ActionWait
		}
		return StateAuthorize, ActionClickAllow

	default:
		return state, ActionWait
	}
}

// redirectedToLogin detects the provider bouncing the flow back to its login
// page, which means the provider session itself is gone.
func (machine Machine) redirectedToLogin(pageURL string) bool {
	if machine.ProviderHost == "" || pageURL == "" {
		return false
	}
	if !strings.Contains(pageURL, machine.ProviderHost) {
		return false
	}
	return strings.Contains(pageURL, "/login") || strings.Contains(pageURL, "/signup")
}

func titleLooksLikeChallenge(pageTitle string) bool {
	for _, marker := range challengeTitleMarkers {
		if strings.Contains(pageTitle, marker) {
			return true
		}
	}
	return false
}
