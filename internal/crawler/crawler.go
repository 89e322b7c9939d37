// Package crawler analyzes live web pages with a headless browser.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/v0xg/uitestgen/internal/analysis"
)

// Options configures the crawler behavior
type Options struct {
	Width      int
	Height     int
	Timeout    time.Duration
	ProfileDir string // Chrome/Chromium profile directory for authenticated sessions
}

// Crawler produces an ApplicationAnalysis for a URL.
type Crawler struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Crawler. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Crawler {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Width == 0 || opts.Height == 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{opts: opts, logger: logger}
}

// Analyze loads url in a fresh headless browser and captures its
// interactive elements, patterns, candidate flows and load metadata.
func (c *Crawler) Analyze(ctx context.Context, url string) (*analysis.ApplicationAnalysis, error) {
	path, _ := launcher.LookPath()
	l := launcher.New().Context(ctx).Bin(path).Headless(true)
	if c.opts.ProfileDir != "" {
		l = l.UserDataDir(c.opts.ProfileDir)
	} else {
		// Cleanup removes the user data dir; only do that for temporary profiles.
		defer l.Cleanup()
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().Context(ctx).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Timeout(c.opts.Timeout)
	defer page.CancelTimeout()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.opts.Width,
		Height:            c.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	start := time.Now()
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for %s to load: %w", url, err)
	}
	loadTime := time.Since(start)

	// Don't hang on persistent connections (WebSockets, polling).
	page.Timeout(5*time.Second).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()

	isSPA := c.detectSPA(page)
	if isSPA {
		// Client-rendered apps need time to hydrate.
		waitForInteractiveElements(ctx, page, 5*time.Second)
	}

	title, err := page.Eval(`() => document.title`)
	if err != nil {
		return nil, fmt.Errorf("read title: %w", err)
	}

	res, err := page.Eval(extractPageJS)
	if err != nil {
		return nil, fmt.Errorf("extract elements: %w", err)
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return nil, fmt.Errorf("extract elements: %w", err)
	}
	raw, err := decodePage(data)
	if err != nil {
		return nil, err
	}

	a := buildAnalysis(raw, analysis.Metadata{
		Viewport: analysis.Viewport{Width: c.opts.Width, Height: c.opts.Height},
		LoadTime: loadTime.Milliseconds(),
		IsSPA:    isSPA,
	})
	a.URL = raw.URL
	if a.URL == "" {
		a.URL = url
	}
	a.Title = title.Value.String()

	c.logger.Info("page analyzed",
		"url", a.URL, "elements", len(a.Elements), "patterns", len(a.Patterns),
		"flows", len(a.Flows), "spa", isSPA, "loadTime", loadTime)
	return a, nil
}

// waitForInteractiveElements polls until interactive elements appear or timeout
func waitForInteractiveElements(ctx context.Context, page *rod.Page, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		res, err := page.Eval(`() => {
			const found = document.querySelectorAll('button, [role="button"], input:not([type="hidden"]), textarea, select, a[href]');
			let visible = 0;
			found.forEach(el => { if (el.offsetParent) visible++; });
			return visible;
		}`)
		if err == nil && res.Value.Int() > 0 {
			// Give the final render a moment.
			time.Sleep(300 * time.Millisecond)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// detectSPA checks if the page is a Single Page Application
func (c *Crawler) detectSPA(page *rod.Page) bool {
	res, err := page.Eval(`() => {
		// React
		if (window.__REACT_DEVTOOLS_GLOBAL_HOOK__ || document.querySelector('[data-reactroot]') || document.querySelector('#__next')) return true;
		// Vue
		if (window.__VUE__ || document.querySelector('[data-v-app]')) return true;
		// Angular
		if (window.ng || document.querySelector('[ng-version]') || document.querySelector('app-root')) return true;
		// Svelte
		if (document.querySelector('[class*="svelte-"]')) return true;
		return false;
	}`)
	if err != nil {
		c.logger.Debug("SPA detection failed", "error", err)
		return false
	}
	return res.Value.Bool()
}

// extractPageJS returns the raw page structure decoded by decodePage.
const extractPageJS = `() => {
	function xpathOf(el) {
		const parts = [];
		for (let node = el; node && node.nodeType === 1; node = node.parentNode) {
			let index = 1;
			for (let sib = node.previousElementSibling; sib; sib = sib.previousElementSibling) {
				if (sib.tagName === node.tagName) index++;
			}
			parts.unshift(node.tagName.toLowerCase() + '[' + index + ']');
		}
		return '/' + parts.join('/');
	}

	function cssPathOf(el) {
		const parts = [];
		for (let node = el; node && node.nodeType === 1; node = node.parentElement) {
			if (node.id) {
				parts.unshift('#' + CSS.escape(node.id));
				break;
			}
			const parent = node.parentElement;
			let part = node.tagName.toLowerCase();
			if (parent) {
				part += ':nth-child(' + (Array.prototype.indexOf.call(parent.children, node) + 1) + ')';
			}
			parts.unshift(part);
		}
		return parts.join(' > ');
	}

	function kindOf(el) {
		const tag = el.tagName.toLowerCase();
		const type = (el.getAttribute('type') || '').toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'select') return 'select';
		if (tag === 'textarea') return 'textarea';
		if (tag === 'button' || el.getAttribute('role') === 'button') return 'button';
		if (tag === 'input') {
			if (type === 'submit' || type === 'button' || type === 'reset') return 'button';
			if (type === 'checkbox' || type === 'radio') return type;
			return 'input';
		}
		return tag;
	}

	const elements = [];
	const seen = new Set();
	document.querySelectorAll('button, [role="button"], input:not([type="hidden"]), textarea, select, a[href]').forEach(el => {
		if (!el.offsetParent) return; // Not visible
		const xpath = xpathOf(el);
		if (seen.has(xpath)) return;
		seen.add(xpath);
		const kind = kindOf(el);
		let text = '';
		if (kind === 'button' || kind === 'link') {
			text = (el.textContent || el.value || '').trim().replace(/\s+/g, ' ').slice(0, 80);
		}
		elements.push({
			type: kind,
			inputType: (el.getAttribute('type') || '').toLowerCase(),
			xpath: xpath,
			cssPath: cssPathOf(el),
			attributes: {
				'id': el.id || '',
				'class': typeof el.className === 'string' ? el.className.trim() : '',
				'name': el.getAttribute('name') || '',
				'data-testid': el.getAttribute('data-testid') || '',
				'aria-label': el.getAttribute('aria-label') || '',
				'placeholder': el.getAttribute('placeholder') || '',
				'text': text
			}
		});
	});

	const forms = [];
	document.querySelectorAll('form, [role="search"]').forEach(form => {
		if (!form.offsetParent && form.tagName.toLowerCase() !== 'form') return;
		const members = [];
		form.querySelectorAll('button, [role="button"], input:not([type="hidden"]), textarea, select').forEach(el => {
			const xpath = xpathOf(el);
			if (seen.has(xpath)) members.push(xpath);
		});
		if (members.length === 0) return;
		forms.push({
			xpath: xpathOf(form),
			role: (form.getAttribute('role') || '').toLowerCase(),
			label: form.getAttribute('aria-label') || form.getAttribute('name') || form.id || '',
			members: members
		});
	});

	const navs = [];
	document.querySelectorAll('nav, [role="navigation"], header').forEach(nav => {
		const links = [];
		nav.querySelectorAll('a[href]').forEach(el => {
			const xpath = xpathOf(el);
			if (seen.has(xpath)) links.push(xpath);
		});
		if (links.length === 0) return;
		navs.push({
			xpath: xpathOf(nav),
			label: nav.getAttribute('aria-label') || '',
			links: links
		});
	});

	return { url: window.location.href, elements: elements, forms: forms, navs: navs };
}`
