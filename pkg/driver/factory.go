package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/harun/postpilot/pkg/workflow"
)

// Factory creates rod-backed drivers, one isolated browser context per
// credential so sessions never bleed cookies into each other.
type Factory struct {
	browser    *rod.Browser
	navTimeout time.Duration
}

// NewFactory wraps a connected rod browser. navTimeout bounds page
// loads; zero means no bound beyond the step timeout.
func NewFactory(browser *rod.Browser, navTimeout time.Duration) *Factory {
	return &Factory{browser: browser, navTimeout: navTimeout}
}

// DriverFor opens an incognito context and a fresh page scoped to one
// credential session
func (f *Factory) DriverFor(ctx context.Context, credentialID string) (workflow.PageDriver, error) {
	incognito, err := f.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context for credential %s: %w", credentialID, err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page for credential %s: %w", credentialID, err)
	}

	log.Debug().Str("credential", credentialID).Msg("Browser session opened")
	return &sessionDriver{
		RodDriver:    RodDriver{page: page.Context(ctx), navTimeout: f.navTimeout},
		credentialID: credentialID,
	}, nil
}

// sessionDriver logs session teardown alongside the page close
type sessionDriver struct {
	RodDriver
	credentialID string
}

func (d *sessionDriver) Close() error {
	err := d.RodDriver.Close()
	log.Debug().Str("credential", d.credentialID).Msg("Browser session closed")
	return err
}
