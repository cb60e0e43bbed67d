package app

import (
	"context"

	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/client"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/httpclient"
	"github.com/tphakala/xrayscan/internal/session"
)

// OpenBackend returns the session backend for CLI commands: a client of the
// server at serverURL, or an in-process service when serverURL is empty.
// The returned close function releases whichever was opened.
func OpenBackend(ctx context.Context, settings *conf.Settings, serverURL string, info *buildinfo.Context) (session.Backend, func() error, error) {
	if serverURL != "" {
		hc := httpclient.New(&httpclient.Config{
			DefaultTimeout: settings.Detector.Timeout,
			UserAgent:      info.UserAgent(),
		})
		c, err := client.New(serverURL, hc)
		if err != nil {
			hc.Close()
			return nil, nil, err
		}
		return c, func() error { hc.Close(); return nil }, nil
	}

	a, err := New(ctx, settings, WithMQTT(), WithBuildInfo(info))
	if err != nil {
		return nil, nil, err
	}
	return a.Service, a.Close, nil
}
