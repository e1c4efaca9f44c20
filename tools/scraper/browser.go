package scraper

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// fetchRendered loads the page in headless Chrome so script-built content
// is present in the HTML handed to extraction.
func (t *Tool) fetchRendered(ctx context.Context, raw string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(t.opts.UserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(raw),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", raw, err)
	}
	return html, nil
}
