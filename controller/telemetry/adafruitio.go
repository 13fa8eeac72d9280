package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/reef-pi/adafruitio"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

// adafruit.io free accounts accept 30 data points a minute.
const adafruitThrottle = time.Minute

type feedSubmitter interface {
	SubmitData(user, feed string, d adafruitio.Data) error
}

// AdafruitIO pushes each numeric field to its own feed, at most once per
// minute.
type AdafruitIO struct {
	client feedSubmitter
	user   string
	prefix string
	last   time.Time
}

func NewAdafruitIO(cfg settings.AdafruitIO) *AdafruitIO {
	return &AdafruitIO{
		client: adafruitio.NewClient(cfg.Token),
		user:   cfg.User,
		prefix: cfg.Prefix,
	}
}

func (a *AdafruitIO) Name() string { return "adafruitio" }

func (a *AdafruitIO) feed(name string) string {
	if a.prefix == "" {
		return strings.ToLower(name)
	}
	return strings.ToLower(a.prefix + "-" + name)
}

func (a *AdafruitIO) Publish(_ context.Context, s Sample) error {
	if !a.last.IsZero() && s.Time.Sub(a.last) < adafruitThrottle {
		return nil
	}
	a.last = s.Time

	feeds := s.Feeds()
	names := make([]string, 0, len(feeds))
	for n := range feeds {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []error
	for _, n := range names {
		if err := a.client.SubmitData(a.user, a.feed(n), adafruitio.Data{Value: feeds[n]}); err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", a.feed(n), err))
		}
	}
	return errors.Join(errs...)
}

func (a *AdafruitIO) Close() error { return nil }
