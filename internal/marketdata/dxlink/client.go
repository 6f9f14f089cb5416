package dxlink

import (
	"context"
	"log/slog"

	"feedsignal/internal/logger"
	"feedsignal/internal/model"
)

// Client runs one connection attempt per call: grant fetch, then a session.
// It satisfies supervisor.AttemptRunner.
type Client struct {
	grants *GrantClient
	cfg    SessionConfig
	sink   model.EventSink

	// Observe, when set, is called with each new session before it runs,
	// so callers can attach hooks.
	Observe func(*Session)
}

// NewClient creates a client. cfg.URL and cfg.Token are filled from each grant.
func NewClient(grants *GrantClient, cfg SessionConfig, sink model.EventSink) *Client {
	return &Client{grants: grants, cfg: cfg, sink: sink}
}

// RunAttempt fetches a grant with credential and streams until the session ends.
func (c *Client) RunAttempt(ctx context.Context, credential string) error {
	grant, err := c.grants.Fetch(ctx, credential)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	slog.Info("dxlink grant acquired", append(logger.Attrs(ctx), "url", grant.URL)...)

	cfg := c.cfg
	cfg.URL = grant.URL
	cfg.Token = grant.Token
	sess := NewSession(cfg, c.sink)
	if c.Observe != nil {
		c.Observe(sess)
	}
	return sess.Run(ctx)
}
