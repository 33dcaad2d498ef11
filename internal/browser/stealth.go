package browser

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/playwright-community/playwright-go"
)

// RandomDelay waits between lo and hi milliseconds, or until ctx is done.
func RandomDelay(ctx context.Context, lo, hi int) {
	d := lo
	if hi > lo {
		d += rand.IntN(hi - lo + 1)
	}
	t := time.NewTimer(time.Duration(d) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// HumanScroll scrolls down in steps and back up a little so lazy content renders.
func HumanScroll(ctx context.Context, page playwright.Page) error {
	for i := 0; i < 3; i++ {
		if _, err := page.Evaluate("window.scrollBy(0, window.innerHeight / 2)"); err != nil {
			return err
		}
		RandomDelay(ctx, 300, 800)
	}
	_, err := page.Evaluate("window.scrollBy(0, -200)")
	return err
}
