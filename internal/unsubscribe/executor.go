package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"mailsync/pkg/config"
	"mailsync/pkg/logger"
	"mailsync/pkg/util"
)

var (
	// ErrNoControl means the page had nothing that looks like an unsubscribe
	// control. Retrying will not change that.
	ErrNoControl = errors.New("unsubscribe: no unsubscribe control on page")
	// ErrNotConfirmed means a control was clicked but the page never showed
	// a confirmation.
	ErrNotConfirmed = errors.New("unsubscribe: not confirmed")
)

// Executor performs the unsubscribe on the page behind link. A nil error
// means the page confirmed it.
type Executor interface {
	Execute(ctx context.Context, link, address string) error
}

var controlSelectors = []string{
	"a[href*='unsubscribe']",
	"a[href*='opt-out']",
	"a[href*='optout']",
	"input[value*='unsubscribe' i]",
	"input[value*='opt-out' i]",
	".unsubscribe",
	"#unsubscribe",
	"[data-action='unsubscribe']",
	"[class*='unsubscribe']",
	"[id*='unsubscribe']",
	"button[type='submit']",
}

var successMarkers = []string{"unsubscribed", "success", "removed", "confirmed"}

var activeSessions atomic.Int32

// RodExecutor drives a fresh headless browser per attempt.
type RodExecutor struct {
	cfg    config.UnsubscribeConfig
	logger *zap.Logger
}

func NewRodExecutor(cfg config.UnsubscribeConfig, logger *zap.Logger) *RodExecutor {
	return &RodExecutor{cfg: cfg, logger: logger}
}

func (e *RodExecutor) Execute(ctx context.Context, link, address string) error {
	activeSessions.Add(1)
	defer activeSessions.Add(-1)

	log := logger.WithTrace(ctx, e.logger).With(zap.String("link", link))

	tmpDir, err := os.MkdirTemp("", "rod-mailsync-*")
	if err != nil {
		return fmt.Errorf("create user data dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn("Failed to remove browser user data dir", zap.Error(err))
		}
	}()

	l := launcher.New().
		Headless(e.cfg.Headless).
		NoSandbox(true).
		UserDataDir(tmpDir).
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	if e.cfg.BrowserBin != "" {
		l = l.Bin(e.cfg.BrowserBin)
	}
	defer l.Cleanup()

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: link})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.Timeout(e.cfg.PageTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}

	// Some pages confirm on load (one-click links).
	if confirmed(page) {
		log.Info("Unsubscribe confirmed on load")
		return nil
	}

	if address != "" {
		if input, err := page.Timeout(2 * time.Second).Element(`input[type='email']`); err == nil {
			if err := input.Input(address); err != nil {
				log.Debug("Could not fill email field", zap.Error(err))
			}
		}
	}

	el := findControl(page)
	if el == nil {
		log.Warn("No unsubscribe control found")
		return util.Permanent(ErrNoControl)
	}
	_ = el.ScrollIntoView()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click control: %w", err)
	}

	_ = page.Timeout(e.cfg.PageTimeout).WaitLoad()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	if !confirmed(page) {
		log.Warn("Clicked unsubscribe control but page shows no confirmation")
		return ErrNotConfirmed
	}
	log.Info("Unsubscribe confirmed")
	return nil
}

func findControl(page *rod.Page) *rod.Element {
	for _, sel := range controlSelectors {
		els, err := page.Elements(sel)
		if err == nil && len(els) > 0 {
			return els[0]
		}
	}
	el, err := page.Timeout(2*time.Second).ElementR("a, button, input[type='submit']", "(?i)unsubscribe")
	if err != nil {
		return nil
	}
	return el
}

// confirmed looks at visible text only; scripts mention "success" too often.
func confirmed(page *rod.Page) bool {
	body, err := page.Timeout(5 * time.Second).Element("body")
	if err != nil {
		return false
	}
	text, err := body.Text()
	if err != nil {
		return false
	}
	return hasSuccessMarker(text)
}

func hasSuccessMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ActiveSessions is the number of browsers currently open.
func ActiveSessions() int32 {
	return activeSessions.Load()
}
