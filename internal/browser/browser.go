// Package browser wraps headless Chrome behind a small Session interface so
// the login automation can be driven by synthetic page observations in tests.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultWindowWidth    = 1280
	defaultWindowHeight   = 900
	defaultActionTimeout  = 30 * time.Second
	errMessageNoBinary    = "no chrome binary found"
	logMessageBrowserUp   = "browser started"
	logMessageBrowserDown = "browser stopped"
	logFieldBinary        = "binary"
)

// ErrBrowserUnavailable marks a machine without a usable Chrome install.
var ErrBrowserUnavailable = errors.New(errMessageNoBinary)

// binaryCandidates are probed in order when no explicit path is configured.
var binaryCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

// Cookie is the slice of a browser cookie the session layer cares about.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Session is one logged-in browser tab. Evaluate unmarshals the expression's
// JSON result into out; pass nil to discard it.
type Session interface {
	Navigate(ctx context.Context, pageURL string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Close() error
}

// Config configures the shared Chrome process.
type Config struct {
	BinaryPath string
	UserAgent  string
	Headful    bool
	Logger     *zap.Logger
}

// Driver owns the Chrome process; sessions are tabs inside it.
type Driver struct {
	allocatorContext context.Context
	allocatorCancel  context.CancelFunc
	logger           *zap.Logger
}

// FindBinary resolves the Chrome binary, honoring an explicit path first.
func FindBinary(explicitPath string) (string, error) {
	if trimmed := strings.TrimSpace(explicitPath); trimmed != "" {
		resolved, lookErr := exec.LookPath(trimmed)
		if lookErr != nil {
			return "", fmt.Errorf("%w: %s", ErrBrowserUnavailable, trimmed)
		}
		return resolved, nil
	}
	for _, candidate := range binaryCandidates {
		if resolved, lookErr := exec.LookPath(candidate); lookErr == nil {
			return resolved, nil
		}
	}
	return "", ErrBrowserUnavailable
}

// NewDriver starts a Chrome process configured for unattended automation.
func NewDriver(ctx context.Context, configuration Config) (*Driver, error) {
	binaryPath, binaryErr := FindBinary(configuration.BinaryPath)
	if binaryErr != nil {
		return nil, binaryErr
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	options := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	options = append(options,
		chromedp.ExecPath(binaryPath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(defaultWindowWidth, defaultWindowHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "zh-CN,zh"),
	)
	if configuration.Headful {
		options = append(options, chromedp.Flag("headless", false))
	}
	if userAgent := strings.TrimSpace(configuration.UserAgent); userAgent != "" {
		options = append(options, chromedp.UserAgent(userAgent))
	}

	allocatorContext, allocatorCancel := chromedp.NewExecAllocator(ctx, options...)
	logger.Info(logMessageBrowserUp, zap.String(logFieldBinary, binaryPath))
	return &Driver{
		allocatorContext: allocatorContext,
		allocatorCancel:  allocatorCancel,
		logger:           logger,
	}, nil
}

// NewSession opens a fresh tab with its own cookie-visible lifetime.
func (driver *Driver) NewSession() (Session, error) {
	tabContext, tabCancel := chromedp.NewContext(driver.allocatorContext)
	// Start the tab now so a broken Chrome fails here, not mid-login.
	if runErr := chromedp.Run(tabContext); runErr != nil {
		tabCancel()
		return nil, runErr
	}
	return &chromeSession{tabContext: tabContext, tabCancel: tabCancel}, nil
}

// Close tears down Chrome and every session it still owns.
func (driver *Driver) Close() {
	driver.allocatorCancel()
	driver.logger.Debug(logMessageBrowserDown)
}

type chromeSession struct {
	tabContext context.Context
	tabCancel  context.CancelFunc
}

var _ Session = (*chromeSession)(nil)

func (session *chromeSession) Navigate(ctx context.Context, pageURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	actionContext, cancel := session.actionContext(ctx, timeout)
	defer cancel()
	return chromedp.Run(actionContext,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (session *chromeSession) CurrentURL(ctx context.Context) (string, error) {
	var currentURL string
	actionContext, cancel := session.actionContext(ctx, defaultActionTimeout)
	defer cancel()
	if runErr := chromedp.Run(actionContext, chromedp.Location(&currentURL)); runErr != nil {
		return "", runErr
	}
	return currentURL, nil
}

func (session *chromeSession) Title(ctx context.Context) (string, error) {
	var pageTitle string
	actionContext, cancel := session.actionContext(ctx, defaultActionTimeout)
	defer cancel()
	if runErr := chromedp.Run(actionContext, chromedp.Title(&pageTitle)); runErr != nil {
		return "", runErr
	}
	return pageTitle, nil
}

func (session *chromeSession) Cookies(ctx context.Context) ([]Cookie, error) {
	var collected []Cookie
	actionContext, cancel := session.actionContext(ctx, defaultActionTimeout)
	defer cancel()
	runErr := chromedp.Run(actionContext, chromedp.ActionFunc(func(actionCtx context.Context) error {
		browserCookies, cookiesErr := storage.GetCookies().Do(actionCtx)
		if cookiesErr != nil {
			return cookiesErr
		}
		for _, browserCookie := range browserCookies {
			collected = append(collected, Cookie{
				Name:   browserCookie.Name,
				Value:  browserCookie.Value,
				Domain: browserCookie.Domain,
			})
		}
		return nil
	}))
	if runErr != nil {
		return nil, runErr
	}
	return collected, nil
}

// Evaluate awaits promises so in-page fetch calls can be driven directly.
func (session *chromeSession) Evaluate(ctx context.Context, expression string, out any) error {
	actionContext, cancel := session.actionContext(ctx, defaultActionTimeout)
	defer cancel()
	if out == nil {
		var discarded any
		out = &discarded
	}
	return chromedp.Run(actionContext, chromedp.Evaluate(expression, out,
		func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
			return params.WithAwaitPromise(true)
		}))
}

func (session *chromeSession) Close() error {
	session.tabCancel()
	return nil
}

// actionContext bounds one CDP action by both the caller's context and a
// local timeout, while still running on the tab's context chain.
func (session *chromeSession) actionContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	actionContext, timeoutCancel := context.WithTimeout(session.tabContext, timeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return actionContext, func() {
		stop()
		timeoutCancel()
	}
}
