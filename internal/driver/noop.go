package driver

import (
	"context"
	"errors"

	"github.com/ategon/placecrawler/internal/scraper"
)

var errNoBrowser = errors.New("page driver not configured")

// Noop implements scraper.PageDriver but fails every interaction. It lets
// the service start and validate submissions in builds without a browser.
type Noop struct{}

// NewNoop creates a Noop driver.
func NewNoop() *Noop {
	return &Noop{}
}

func (Noop) NavigateToCell(context.Context, scraper.Cell) error { return errNoBrowser }
func (Noop) Search(context.Context, string) error               { return errNoBrowser }
func (Noop) WaitForResults(context.Context) error               { return errNoBrowser }

func (Noop) ScrollForCandidates(context.Context, int) (int, error) {
	return 0, errNoBrowser
}

func (Noop) CollectCandidateKeys(context.Context, map[string]struct{}) ([]scraper.Candidate, error) {
	return nil, errNoBrowser
}

func (Noop) Extract(context.Context, scraper.Candidate) (scraper.Record, error) {
	return scraper.Record{}, errNoBrowser
}

func (Noop) Close(context.Context) error { return nil }
