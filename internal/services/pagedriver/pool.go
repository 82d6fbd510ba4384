package pagedriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/interfaces"
)

const startupTimeout = 30 * time.Second

// BrowserPool owns one Chrome process, started on first use. Each driver
// it hands out is a separate tab.
type BrowserPool struct {
	config common.BrowserConfig
	logger arbor.ILogger

	mu             sync.Mutex
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	allocateCancel context.CancelFunc
	initialized    bool
}

// NewBrowserPool creates a pool; Chrome is not launched until NewDriver
func NewBrowserPool(config common.BrowserConfig, logger arbor.ILogger) *BrowserPool {
	return &BrowserPool{
		config: config,
		logger: logger,
	}
}

// NewDriver opens a new tab with downloads routed into a per-tab directory
func (p *BrowserPool) NewDriver(ctx context.Context) (interfaces.PageDriver, error) {
	browserCtx, err := p.ensureBrowser()
	if err != nil {
		return nil, err
	}

	downloadDir, err := filepath.Abs(filepath.Join(p.config.DownloadDir, "tab-"+uuid.New().String()))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download dir: %w", err)
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	d := newDriver(tabCtx, tabCancel, downloadDir, p.config.Selectors, p.logger)

	// The first Run creates the tab and must not carry a deadline, or the tab
	// would close when it expires
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx,
			network.Enable(),
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
				WithDownloadPath(downloadDir).
				WithEventsEnabled(true),
		)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to open browser tab: %w", err)
		}
	case <-ctx.Done():
		_ = d.Close()
		return nil, fmt.Errorf("failed to open browser tab: %w", ctx.Err())
	}

	d.listen()

	p.logger.Debug().Str("download_dir", downloadDir).Msg("Browser tab opened")
	return d, nil
}

func (p *BrowserPool) ensureBrowser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.browserCtx, nil
	}

	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", p.config.Headless),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if p.config.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(p.config.UserAgent))
	}
	if p.config.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(p.config.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup test on the initial tab, which also launches the process
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	}()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(startupTimeout):
		err = fmt.Errorf("timed out after %s", startupTimeout)
	}
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	p.allocateCancel = allocatorCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.initialized = true

	p.logger.Info().
		Bool("headless", p.config.Headless).
		Str("exec_path", p.config.ExecPath).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser started")

	return browserCtx, nil
}

// Shutdown closes the browser. Safe to call when it never started.
func (p *BrowserPool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		p.logger.Debug().Msg("Browser never started, nothing to shut down")
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.browserCancel()
		p.allocateCancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(startupTimeout):
		p.logger.Warn().Msg("Browser shutdown timed out")
	}

	p.initialized = false
	p.browserCtx = nil

	p.logger.Info().Msg("Browser shut down")
	return nil
}

// IsInitialized returns whether the browser process is running
func (p *BrowserPool) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}
