// Package driver contains page drivers that automate the live map surface.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/ategon/placecrawler/internal/scraper"
)

// Page element selectors. The listing anchor is the most stable hook the
// page offers; class-based selectors are fallbacks that rot with redesigns.
const (
	selSearchInput = `input#searchboxinput`
	selResultLink  = `a[href*="/maps/place"]`
	selResultsFeed = `[role="feed"]`
	selPlaceName   = `h1.DUwDvf`
)

// Config controls the behavior of the chromedp driver.
type Config struct {
	Headless    bool
	UserAgent   string
	NavTimeout  time.Duration
	CallTimeout time.Duration
}

// Chromedp implements scraper.PageDriver on a single headless Chrome tab.
// One driver serves one campaign; calls are not safe for concurrent use.
type Chromedp struct {
	cfg         Config
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
}

// NewChromedp starts a browser and opens the tab all subsequent calls run
// in. The tab is persistent: search state and loaded results survive
// between calls within one cell.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-US"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	d := &Chromedp{
		cfg:         cfg,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
	}
	if err := chromedp.Run(tab, d.sessionSetupAction()); err != nil {
		d.close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return d, nil
}

// NavigateToCell loads the map viewport centered on the cell.
func (d *Chromedp) NavigateToCell(ctx context.Context, cell scraper.Cell) error {
	runCtx, cancel := d.callContext(ctx, d.cfg.NavTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(cell.MapsURL()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return &scraper.DriverError{Op: "navigate to cell " + cell.ID, Err: err}
	}
	return nil
}

// Search submits the term in the viewport's search box. The viewport set
// by NavigateToCell scopes the results to the current cell.
func (d *Chromedp) Search(ctx context.Context, term string) error {
	runCtx, cancel := d.callContext(ctx, d.cfg.CallTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selSearchInput, chromedp.ByQuery),
		chromedp.SetValue(selSearchInput, term, chromedp.ByQuery),
		chromedp.SendKeys(selSearchInput, kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return &scraper.DriverError{Op: "search", Err: err}
	}
	return nil
}

// WaitForResults blocks until at least one listing anchor is present. A
// timeout means the cell has no matches.
func (d *Chromedp) WaitForResults(ctx context.Context) error {
	runCtx, cancel := d.callContext(ctx, d.cfg.CallTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selResultLink, chromedp.ByQuery),
	)
	if err != nil {
		return &scraper.DriverError{Op: "wait for results", Err: err}
	}
	return nil
}

// ScrollForCandidates scrolls the results feed until at least target
// listings are loaded or two consecutive scrolls load nothing new. It
// returns the number of listings loaded.
func (d *Chromedp) ScrollForCandidates(ctx context.Context, target int) (int, error) {
	runCtx, cancel := d.callContext(ctx, d.cfg.NavTimeout)
	defer cancel()

	count, stagnant := 0, 0
	for count < target && stagnant < 2 {
		var loaded int
		err := chromedp.Run(runCtx,
			chromedp.Evaluate(scrollFeedJS, nil),
			chromedp.Sleep(700*time.Millisecond),
			chromedp.Evaluate(countLinksJS, &loaded),
		)
		if err != nil {
			return count, &scraper.DriverError{Op: "scroll results feed", Err: err}
		}
		if loaded <= count {
			stagnant++
		} else {
			stagnant = 0
		}
		count = loaded
	}
	return count, nil
}

// CollectCandidateKeys reads the loaded listing URLs and returns those not
// already seen. The listing URL is the candidate's dedup key.
func (d *Chromedp) CollectCandidateKeys(ctx context.Context, seen map[string]struct{}) ([]scraper.Candidate, error) {
	runCtx, cancel := d.callContext(ctx, d.cfg.CallTimeout)
	defer cancel()

	var hrefs []string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(collectLinksJS, &hrefs)); err != nil {
		return nil, &scraper.DriverError{Op: "collect listing links", Err: err}
	}

	return newCandidates(hrefs, seen), nil
}

// newCandidates drops empty and repeated hrefs, then filters out keys the
// campaign already burned.
func newCandidates(hrefs []string, seen map[string]struct{}) []scraper.Candidate {
	out := make([]scraper.Candidate, 0, len(hrefs))
	dedup := make(map[string]struct{}, len(hrefs))
	for _, href := range hrefs {
		if href == "" {
			continue
		}
		if _, dup := dedup[href]; dup {
			continue
		}
		dedup[href] = struct{}{}
		if _, ok := seen[href]; ok {
			continue
		}
		out = append(out, scraper.Candidate{Key: href, Locator: href})
	}
	return out
}

// placeDetails mirrors the extraction payload returned by detailsJS.
type placeDetails struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Website  string `json:"website"`
	Phone    string `json:"phone"`
	Category string `json:"category"`
	Intro    string `json:"intro"`
	Rating   string `json:"rating"`
	Reviews  string `json:"reviews"`
}

// Extract opens the listing page and scrapes its detail panel. Fields the
// page does not expose are simply absent from the record.
func (d *Chromedp) Extract(ctx context.Context, cand scraper.Candidate) (scraper.Record, error) {
	runCtx, cancel := d.callContext(ctx, d.cfg.NavTimeout)
	defer cancel()

	var details placeDetails
	err := chromedp.Run(runCtx,
		chromedp.Navigate(cand.Locator),
		chromedp.WaitVisible(selPlaceName, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Evaluate(detailsJS, &details),
	)
	if err != nil {
		return scraper.Record{}, &scraper.DriverError{Op: "extract listing", Err: err}
	}

	return recordFromDetails(cand.Key, details), nil
}

func recordFromDetails(key string, details placeDetails) scraper.Record {
	rec := scraper.Record{
		Key:     key,
		Name:    strings.TrimSpace(details.Name),
		Address: strings.TrimSpace(details.Address),
		Fields:  map[string]string{},
	}
	for k, v := range map[string]string{
		"website":  details.Website,
		"phone":    details.Phone,
		"category": details.Category,
		"intro":    details.Intro,
		"rating":   details.Rating,
		"reviews":  details.Reviews,
	} {
		if v = strings.TrimSpace(v); v != "" {
			rec.Fields[k] = v
		}
	}
	return rec
}

// Close shuts down the tab and the browser process.
func (d *Chromedp) Close(ctx context.Context) error {
	d.close()
	return nil
}

func (d *Chromedp) close() {
	d.tabCancel()
	d.allocCancel()
}

// callContext derives a run context that honors both the caller's
// cancellation and the per-call timeout, while still targeting the
// persistent tab.
func (d *Chromedp) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(d.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (d *Chromedp) sessionSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

const (
	countLinksJS = `document.querySelectorAll('a[href*="/maps/place"]').length`

	collectLinksJS = `Array.from(document.querySelectorAll('a[href*="/maps/place"]'), a => a.href)`

	scrollFeedJS = `(() => {
		const feed = document.querySelector('[role="feed"]');
		if (feed) { feed.scrollBy(0, 2000); }
		else { window.scrollBy(0, 2000); }
	})()`

	detailsJS = `(() => {
		const txt = (sel) => {
			const el = document.querySelector(sel);
			return el ? el.textContent.trim() : "";
		};
		return {
			name: txt('h1.DUwDvf'),
			address: txt('button[data-item-id="address"] div.fontBodyMedium'),
			website: txt('a[data-item-id="authority"] div.fontBodyMedium'),
			phone: txt('button[data-item-id^="phone:tel:"] div.fontBodyMedium'),
			category: txt('div.LBgpqf button.DkEaL'),
			intro: txt('div.WeS02d.fontBodyMedium div.PYvSYb'),
			rating: txt('div.F7nice > span:first-child span:first-child'),
			reviews: txt('div.F7nice span[aria-label]')
				.replace(/[(),]/g, ''),
		};
	})()`
)
