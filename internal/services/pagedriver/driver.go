package pagedriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/models"
)

const settlePoll = 250 * time.Millisecond

type downloadResult struct {
	guid  string
	state browser.DownloadProgressState
}

// Driver drives one browser tab through the host site using the configured
// selectors. Every call is bounded by the deadline of its context.
type Driver struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	downloadDir string
	sel         common.SelectorConfig
	logger      arbor.ILogger

	mu        sync.Mutex
	names     map[string]string // download guid -> suggested file name
	downloads chan downloadResult
	closeOnce sync.Once
}

func newDriver(tabCtx context.Context, tabCancel context.CancelFunc, downloadDir string, sel common.SelectorConfig, logger arbor.ILogger) *Driver {
	return &Driver{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		downloadDir: downloadDir,
		sel:         sel,
		logger:      logger,
		names:       make(map[string]string),
		downloads:   make(chan downloadResult, 4),
	}
}

// listen routes download events of the tab into the driver
func (d *Driver) listen() {
	chromedp.ListenTarget(d.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *browser.EventDownloadWillBegin:
			d.mu.Lock()
			d.names[e.GUID] = e.SuggestedFilename
			d.mu.Unlock()
		case *browser.EventDownloadProgress:
			if e.State == browser.DownloadProgressStateCompleted || e.State == browser.DownloadProgressStateCanceled {
				select {
				case d.downloads <- downloadResult{guid: e.GUID, state: e.State}:
				default:
				}
			}
		}
	})
}

// run executes actions on the tab, bounded by ctx
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(d.tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(d.tabCtx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (d *Driver) html(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	return html, nil
}

// Navigate loads the url in the tab
func (d *Driver) Navigate(ctx context.Context, target string) error {
	if err := d.run(ctx, chromedp.Navigate(target)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

// InjectCookies installs the cookies before the first navigation. Entries
// without a domain take the host's.
func (d *Driver) InjectCookies(ctx context.Context, hostURL string, cookies []models.CookieEntry) error {
	if len(cookies) == 0 {
		return errors.New("cookie jar is empty")
	}

	host := ""
	if u, err := url.Parse(hostURL); err == nil {
		host = u.Hostname()
	}

	failed := 0
	var lastErr error
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			domain := strings.TrimPrefix(c.Domain, ".")
			if domain == "" {
				domain = host
			}
			path := c.Path
			if path == "" {
				path = "/"
			}

			var expires *cdp.TimeSinceEpoch
			if c.ExpiresAt != nil && c.ExpiresAt.After(time.Now()) {
				ts := cdp.TimeSinceEpoch(*c.ExpiresAt)
				expires = &ts
			}

			if err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				WithExpires(expires).
				Do(ctx); err != nil {
				failed++
				lastErr = err
				d.logger.Debug().Err(err).Str("cookie_name", c.Name).Str("domain", domain).Msg("Failed to inject cookie")
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to inject cookies: %w", err)
	}
	if failed == len(cookies) {
		return fmt.Errorf("no cookie was accepted by the browser: %w", lastErr)
	}

	d.logger.Debug().
		Int("injected", len(cookies)-failed).
		Int("failed", failed).
		Str("host", host).
		Msg("Cookies injected")
	return nil
}

// DetectPageKind classifies the current page
func (d *Driver) DetectPageKind(ctx context.Context) (models.PageKind, error) {
	html, err := d.html(ctx)
	if err != nil {
		return models.PageKindUnknown, err
	}
	return ClassifyPage(html, d.sel), nil
}

// SubmitLogin fills the login form and submits it
func (d *Driver) SubmitLogin(ctx context.Context, creds models.PasswordCredentials) error {
	err := d.run(ctx,
		chromedp.WaitVisible(d.sel.PasswordInput, chromedp.ByQuery),
		chromedp.SetValue(d.sel.UsernameInput, "", chromedp.ByQuery),
		chromedp.SendKeys(d.sel.UsernameInput, creds.Username, chromedp.ByQuery),
		chromedp.SetValue(d.sel.PasswordInput, "", chromedp.ByQuery),
		chromedp.SendKeys(d.sel.PasswordInput, creds.Secret, chromedp.ByQuery),
		chromedp.Click(d.sel.LoginSubmit, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("failed to submit login: %w", err)
	}
	return nil
}

// ClickLaunch follows the launch affordance in the same tab
func (d *Driver) ClickLaunch(ctx context.Context) error {
	if err := d.clickNth(ctx, d.sel.LaunchButton, 0); err != nil {
		return fmt.Errorf("failed to click launch: %w", err)
	}
	return nil
}

// NavigateToFolder opens the first folder whose name contains name
func (d *Driver) NavigateToFolder(ctx context.Context, name string) error {
	html, err := d.html(ctx)
	if err != nil {
		return err
	}
	index, text, ok := FindFolderLink(html, d.sel.FolderLink, name)
	if !ok {
		return fmt.Errorf("folder %q not found in listing", name)
	}
	if err := d.clickNth(ctx, d.sel.FolderLink, index); err != nil {
		return fmt.Errorf("failed to open folder %q: %w", text, err)
	}
	d.logger.Debug().Str("folder", text).Msg("Opened folder")
	return nil
}

// IsAlreadyUploaded reports whether the listing already has a row for the document
func (d *Driver) IsAlreadyUploaded(ctx context.Context, displayName string) (bool, error) {
	html, err := d.html(ctx)
	if err != nil {
		return false, err
	}
	row, _ := ScanRows(html, d.sel.ResultRow, displayName)
	return row.Found, nil
}

// AttachAndSubmit opens the upload modal if needed, attaches the file, sets
// the title and submits. It returns once the modal has closed.
func (d *Driver) AttachAndSubmit(ctx context.Context, filePath, title string) error {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve upload file: %w", err)
	}

	kind, err := d.DetectPageKind(ctx)
	if err != nil {
		return err
	}
	if kind != models.PageKindUploadModal {
		if err := d.clickNth(ctx, d.sel.UploadOpen, 0); err != nil {
			return fmt.Errorf("failed to open upload dialog: %w", err)
		}
	}

	if err := d.run(ctx,
		chromedp.WaitReady(d.sel.FileInput, chromedp.ByQuery),
		chromedp.SetUploadFiles(d.sel.FileInput, []string{abs}, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to attach file: %w", err)
	}

	if d.sel.TitleInput != "" && title != "" {
		present, err := d.count(ctx, d.sel.TitleInput)
		if err == nil && present > 0 {
			if err := d.run(ctx,
				chromedp.SetValue(d.sel.TitleInput, "", chromedp.ByQuery),
				chromedp.SendKeys(d.sel.TitleInput, title, chromedp.ByQuery),
			); err != nil {
				d.logger.Debug().Err(err).Msg("Failed to set upload title")
			}
		}
	}

	if err := d.run(ctx, chromedp.Click(d.sel.UploadSubmit, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to submit upload: %w", err)
	}

	for {
		kind, err := d.DetectPageKind(ctx)
		if err == nil && kind != models.PageKindUploadModal {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload dialog did not close: %w", ctx.Err())
		case <-time.After(settlePoll):
		}
	}
}

// FindResultRow reads the document's row from the submission listing
func (d *Driver) FindResultRow(ctx context.Context, displayName string) (models.ResultRow, error) {
	html, err := d.html(ctx)
	if err != nil {
		return models.ResultRow{}, err
	}
	row, _ := ScanRows(html, d.sel.ResultRow, displayName)
	return row, nil
}

// Refresh reloads the current page
func (d *Driver) Refresh(ctx context.Context) error {
	if err := d.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("failed to reload page: %w", err)
	}
	return nil
}

// OpenResultViewer opens the report viewer from the document's row
func (d *Driver) OpenResultViewer(ctx context.Context, displayName string) error {
	html, err := d.html(ctx)
	if err != nil {
		return err
	}
	_, index := ScanRows(html, d.sel.ResultRow, displayName)
	if index < 0 {
		return fmt.Errorf("no result row for %q", displayName)
	}

	script := fmt.Sprintf(`(() => {
		const row = document.querySelectorAll(%s)[%d];
		const link = row && row.querySelector(%s);
		if (!link) return false;
		link.removeAttribute('target');
		link.click();
		return true;
	})()`, jsString(d.sel.ResultRow), index, jsString(d.sel.ViewerOpen))

	var clicked bool
	if err := d.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("failed to open result viewer: %w", err)
	}
	if !clicked {
		return fmt.Errorf("result viewer link not found for %q", displayName)
	}

	if err := d.run(ctx, chromedp.WaitVisible(d.sel.ReportViewer, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("result viewer did not load: %w", err)
	}
	return nil
}

// DownloadArtifact clicks the artifact's download control and waits for
// the browser to finish writing the file
func (d *Driver) DownloadArtifact(ctx context.Context, kind models.ArtifactKind) (models.Artifact, error) {
	selector := d.downloadSelector(kind)
	if selector == "" {
		return models.Artifact{}, fmt.Errorf("no download selector configured for %s", kind)
	}

	// Drop events of earlier downloads
	for drained := false; !drained; {
		select {
		case <-d.downloads:
		default:
			drained = true
		}
	}

	if err := d.clickNth(ctx, selector, 0); err != nil {
		return models.Artifact{}, fmt.Errorf("download control for %s not found: %w", kind, err)
	}

	var result downloadResult
	select {
	case result = <-d.downloads:
	case <-ctx.Done():
		return models.Artifact{}, fmt.Errorf("download of %s did not finish: %w", kind, ctx.Err())
	}
	if result.state != browser.DownloadProgressStateCompleted {
		return models.Artifact{}, fmt.Errorf("download of %s was cancelled", kind)
	}

	path := filepath.Join(d.downloadDir, result.guid)
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to read downloaded %s: %w", kind, err)
	}
	_ = os.Remove(path)

	d.mu.Lock()
	name := d.names[result.guid]
	delete(d.names, result.guid)
	d.mu.Unlock()
	if name == "" {
		name = string(kind)
	}

	return models.Artifact{
		Kind:     kind,
		FileName: name,
		Data:     data,
	}, nil
}

// Close closes the tab and removes its download directory
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.tabCancel()
		err = os.RemoveAll(d.downloadDir)
	})
	return err
}

func (d *Driver) downloadSelector(kind models.ArtifactKind) string {
	switch kind {
	case models.ArtifactSimilarityReport:
		return d.sel.SimilarityDownload
	case models.ArtifactAIReport:
		return d.sel.AIDownload
	default:
		return ""
	}
}

// clickNth clicks the index-th match of selector, keeping any link in this tab
func (d *Driver) clickNth(ctx context.Context, selector string, index int) error {
	if selector == "" {
		return errors.New("no selector configured")
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		if (!el) return false;
		el.removeAttribute('target');
		el.click();
		return true;
	})()`, jsString(selector), index)

	var clicked bool
	if err := d.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func (d *Driver) count(ctx context.Context, selector string) (int, error) {
	var n int
	err := d.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n))
	return n, err
}

// jsString quotes s as a JavaScript string literal
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
