package sources

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/arxivist/arxivist/internal/failure"
)

// renderFetcher loads pages through a headless browser so JS-rendered
// content is present in the returned bytes. No extraction happens here; the
// raw outer HTML is the content.
type renderFetcher struct {
	timeout  time.Duration
	maxChars int
}

func (f *renderFetcher) FetchURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("arxivist/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, failure.Wrap(failure.KindTimeout, err)
		}
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.KindCancelled, ctx.Err())
		}
		return nil, err
	}
	if len(html) > f.maxChars {
		html = html[:f.maxChars]
	}
	return []byte(html), nil
}
