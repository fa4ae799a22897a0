// Package fastpath performs the direct HTTP session validation and check-in
// attempted before any browser automation. Every suspension point returns a
// tagged Result instead of an error so the orchestrator's control flow is a
// flat dispatch over classifications.
package fastpath

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaycheck/relaycheck/internal/challenge"
)

const (
	whoAmIPath                   = "/api/user/self"
	defaultUserAgentValue        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	userAgentHeaderName          = "User-Agent"
	acceptHeaderName             = "Accept"
	acceptJSONValue              = "application/json, text/plain, */*"
	contentTypeHeaderName        = "Content-Type"
	contentTypeJSONValue         = "application/json"
	authorizationHeaderName      = "Authorization"
	bearerPrefix                 = "Bearer "
	apiUserHeaderName            = "New-Api-User"
	sessionCookieName            = "session"
	htmlContentTypeFragment      = "text/html"
	maxResponseBodyBytes         = 256 * 1024
	defaultHTTPTimeout           = 15 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	messageExpiredRedirect       = "session expired (redirect)"
	messageExpiredUnauthorized   = "session expired (401)"
	messageExpiredHTML           = "session expired (html)"
	messageExpiredWhoAmI         = "session rejected by who-am-i"
	messageSiteUnreachable       = "site unreachable"
	messageChallengeUnsolved     = "anti-bot challenge unsolved"
	logMessageChallengeRetry     = "retrying who-am-i with solved challenge cookies"
	logMessageAltVerb            = "check-in retried with alternate verb"
	logFieldDomain               = "domain"
)

// Classification tags every fast-path outcome.
type Classification string

const (
	ClassExpired     Classification = "expired"
	ClassUnreachable Classification = "unreachable"
	ClassTransient   Classification = "transient"
	ClassSuccess     Classification = "success"
	ClassAlready     Classification = "already_checked"
	ClassFailed      Classification = "failed"
)

// Result is the tagged outcome of one validate-and-checkin attempt.
type Result struct {
	Class   Classification
	Message string
}

// Terminal reports whether the attempt resolved the pair for this run
// (anything but an expired session, which goes to the slow path).
func (result Result) Terminal() bool {
	return result.Class != ClassExpired
}

// Target identifies the site under attempt.
type Target struct {
	Domain       string
	CheckinPath  string
	NeedsAntiBot bool
}

// SessionCredentials carries the cached authentication material for a pair.
// AuthTokenAlt is preferred over the user-id header when both exist.
type SessionCredentials struct {
	SessionToken string
	AuthTokenAlt string
	UserID       string
}

// ChallengeSolver is the slice of the challenge package the fast path needs.
type ChallengeSolver interface {
	Solve(ctx context.Context, scriptPayload string) challenge.CookieSet
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Solver     ChallengeSolver
	Limiter    *rate.Limiter
	UserAgent  string
	Logger     *zap.Logger
}

// Client issues stateless validation and check-in calls.
type Client struct {
	httpClient *http.Client
	solver     ChallengeSolver
	limiter    *rate.Limiter
	userAgent  string
	logger     *zap.Logger
}

// NewClient constructs a Client with bounded transport timeouts and redirect
// following disabled, because a redirect is an expiry signal here.
func NewClient(configuration Config) *Client {
	var httpClient *http.Client
	if configuration.HTTPClient != nil {
		// Shallow copy so the redirect policy never leaks into the caller's
		// client.
		clientCopy := *configuration.HTTPClient
		httpClient = &clientCopy
	} else {
		httpClient = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: defaultTransport(),
		}
	}
	httpClient.CheckRedirect = preventRedirectFollowing

	userAgent := strings.TrimSpace(configuration.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgentValue
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		solver:     configuration.Solver,
		limiter:    configuration.Limiter,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// ValidateAndCheckin issues the authenticated who-am-i probe and, when the
// session holds, the check-in call. Classification precedence follows the
// protocol: redirect/401/HTML mean an expired session, connect failures mean
// the whole site is unreachable, and check-in responses are graded by the
// success flag first, then the already-checked keywords, then failed.
func (client *Client) ValidateAndCheckin(ctx context.Context, target Target, credentials SessionCredentials) Result {
	if client.limiter != nil {
		if waitErr := client.limiter.Wait(ctx); waitErr != nil {
			return Result{Class: ClassTransient, Message: waitErr.Error()}
		}
	}

	extraCookies := map[string]string{}
	validation := client.whoAmI(ctx, target, credentials, extraCookies)

	if validation.challengeBody != "" && target.NeedsAntiBot && client.solver != nil {
		script, hasScript := extractChallenge(validation.challengeBody)
		if hasScript {
			solved := client.solver.Solve(ctx, script)
			if len(solved) == 0 {
				return Result{Class: ClassFailed, Message: messageChallengeUnsolved}
			}
			for name, value := range solved {
				extraCookies[name] = value
			}
			client.logger.Debug(logMessageChallengeRetry, zap.String(logFieldDomain, target.Domain))
			validation = client.whoAmI(ctx, target, credentials, extraCookies)
		}
	}
	if validation.Class != ClassSuccess {
		return Result{Class: validation.Class, Message: validation.Message}
	}

	return client.checkin(ctx, target, credentials, extraCookies)
}

type probeOutcome struct {
	Class         Classification
	Message       string
	challengeBody string
}

func (client *Client) whoAmI(ctx context.Context, target Target, credentials SessionCredentials, extraCookies map[string]string) probeOutcome {
	response, body, requestErr := client.do(ctx, http.MethodGet, target.Domain+whoAmIPath, target, credentials, extraCookies)
	if requestErr != nil {
		return probeOutcome{Class: classifyTransportError(ctx, requestErr), Message: messageSiteUnreachable}
	}

	if isRedirectStatus(response.StatusCode) {
		return probeOutcome{Class: ClassExpired, Message: messageExpiredRedirect}
	}
	if response.StatusCode == http.StatusUnauthorized {
		return probeOutcome{Class: ClassExpired, Message: messageExpiredUnauthorized}
	}
	if isHTMLResponse(response, body) {
		return probeOutcome{Class: ClassExpired, Message: messageExpiredHTML, challengeBody: challengeBodyOf(body)}
	}

	document := gjson.Parse(body)
	if !responseIndicatesSuccess(document) {
		message := responseMessage(document)
		if message == "" {
			message = messageExpiredWhoAmI
		}
		return probeOutcome{Class: ClassExpired, Message: message}
	}
	return probeOutcome{Class: ClassSuccess}
}

func (client *Client) checkin(ctx context.Context, target Target, credentials SessionCredentials, extraCookies map[string]string) Result {
	response, body, requestErr := client.do(ctx, http.MethodPost, target.Domain+target.CheckinPath, target, credentials, extraCookies)
	if requestErr != nil {
		return Result{Class: classifyTransportError(ctx, requestErr), Message: messageSiteUnreachable}
	}

	// Some deployments front the check-in route with a proxy that rejects
	// POST; they answer the alternate verb instead.
	if response.StatusCode == http.StatusNotFound {
		client.logger.Debug(logMessageAltVerb, zap.String(logFieldDomain, target.Domain))
		response, body, requestErr = client.do(ctx, http.MethodGet, target.Domain+target.CheckinPath, target, credentials, extraCookies)
		if requestErr != nil {
			return Result{Class: classifyTransportError(ctx, requestErr), Message: messageSiteUnreachable}
		}
	}

	if isRedirectStatus(response.StatusCode) {
		return Result{Class: ClassExpired, Message: messageExpiredRedirect}
	}
	if response.StatusCode == http.StatusUnauthorized {
		return Result{Class: ClassExpired, Message: messageExpiredUnauthorized}
	}
	if isHTMLResponse(response, body) {
		return Result{Class: ClassExpired, Message: messageExpiredHTML}
	}

	document := gjson.Parse(body)
	message := responseMessage(document)
	switch {
	case responseIndicatesSuccess(document):
		return Result{Class: ClassSuccess, Message: message}
	case IsAlreadyCheckedMessage(message):
		return Result{Class: ClassAlready, Message: message}
	default:
		if message == "" {
			message = fmt.Sprintf("unexpected response (status %d)", response.StatusCode)
		}
		return Result{Class: ClassFailed, Message: message}
	}
}

func (client *Client) do(ctx context.Context, method, requestURL string, target Target, credentials SessionCredentials, extraCookies map[string]string) (*http.Response, string, error) {
	request, buildErr := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if buildErr != nil {
		return nil, "", buildErr
	}
	request.Header.Set(userAgentHeaderName, client.userAgent)
	request.Header.Set(acceptHeaderName, acceptJSONValue)
	if method == http.MethodPost {
		request.Header.Set(contentTypeHeaderName, contentTypeJSONValue)
	}
	if credentials.AuthTokenAlt != "" {
		request.Header.Set(authorizationHeaderName, bearerPrefix+credentials.AuthTokenAlt)
	} else if credentials.UserID != "" {
		request.Header.Set(apiUserHeaderName, credentials.UserID)
	}
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: credentials.SessionToken})
	for name, value := range extraCookies {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, "", doErr
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if readErr != nil {
		return nil, "", readErr
	}
	return response, string(bodyBytes), nil
}

// classifyTransportError treats every transport failure as the site being
// down, except when the run itself is being cancelled.
func classifyTransportError(ctx context.Context, _ error) Classification {
	if ctx.Err() != nil {
		return ClassTransient
	}
	return ClassUnreachable
}

func responseIndicatesSuccess(document gjson.Result) bool {
	if document.Get("success").Bool() {
		return true
	}
	if ret := document.Get("ret"); ret.Exists() && ret.Int() == 1 {
		return true
	}
	if code := document.Get("code"); code.Exists() && code.Int() == 0 {
		return true
	}
	return false
}

func responseMessage(document gjson.Result) string {
	if message := document.Get("message"); message.Exists() {
		return message.String()
	}
	return document.Get("msg").String()
}

func isRedirectStatus(statusCode int) bool {
	return statusCode >= 300 && statusCode < 400
}

func isHTMLResponse(response *http.Response, body string) bool {
	contentType := response.Header.Get(contentTypeHeaderName)
	if strings.Contains(contentType, htmlContentTypeFragment) {
		return true
	}
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<!") || strings.HasPrefix(trimmed, "<html")
}

func preventRedirectFollowing(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       100,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}
