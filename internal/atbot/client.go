// Package atbot wraps the small slice of the AT Protocol the bot needs:
// authenticating as itself and posting replies.
package atbot

import (
	"context"
	"fmt"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/evalbot/evalbot/internal/evalerr"
	"github.com/evalbot/evalbot/internal/mention"
)

// Config identifies the PDS and credentials the bot authenticates with.
type Config struct {
	Service    string // e.g. "https://bsky.social"
	Identifier string // handle or DID
	Password   string // app password
}

// Client is a thin, session-refreshing wrapper around xrpc.Client scoped to
// the operations the worker and REPL need.
type Client struct {
	cfg Config
	xc  *xrpc.Client
	did string
}

func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		xc: &xrpc.Client{
			Host: cfg.Service,
		},
	}
}

// Login authenticates and stores the resulting session on the underlying
// xrpc.Client. Must succeed before PostReply/GetProfile are called.
func (c *Client) Login(ctx context.Context) error {
	sess, err := comatproto.ServerCreateSession(ctx, c.xc, &comatproto.ServerCreateSession_Input{
		Identifier: c.cfg.Identifier,
		Password:   c.cfg.Password,
	})
	if err != nil {
		return evalerr.Wrap(evalerr.KindTransport, fmt.Errorf("login: %w", err))
	}
	c.xc.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}
	c.did = sess.Did
	return nil
}

// DID returns the bot's own DID, valid after a successful Login.
func (c *Client) DID() string { return c.did }

// Refresh exchanges the current refresh token for a new session. Callers
// should invoke this on a timer (AT Protocol access tokens are short-lived)
// or reactively on an auth failure from PostReply.
func (c *Client) Refresh(ctx context.Context) error {
	refreshClient := &xrpc.Client{
		Host: c.cfg.Service,
		Auth: &xrpc.AuthInfo{AccessJwt: c.xc.Auth.RefreshJwt, Did: c.xc.Auth.Did},
	}
	sess, err := comatproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		return evalerr.Wrap(evalerr.KindTransport, fmt.Errorf("refresh session: %w", err))
	}
	c.xc.Auth.AccessJwt = sess.AccessJwt
	c.xc.Auth.RefreshJwt = sess.RefreshJwt
	return nil
}

// PostReply creates a reply post under parent, threaded to root, with text
// already truncated/validated by the caller (parser.TruncateGraphemes).
func (c *Client) PostReply(ctx context.Context, text string, root, parent mention.StrongRef) error {
	record := &bsky.FeedPost{
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Reply: &bsky.FeedPost_ReplyRef{
			Root:   &comatproto.RepoStrongRef{Uri: root.URI, Cid: root.CID},
			Parent: &comatproto.RepoStrongRef{Uri: parent.URI, Cid: parent.CID},
		},
	}

	_, err := comatproto.RepoCreateRecord(ctx, c.xc, &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       c.did,
		Record:     &lexutil.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return evalerr.Wrap(evalerr.KindPostReply, fmt.Errorf("create reply record: %w", err))
	}
	return nil
}

// GetProfile fetches the display profile for did and returns its
// human-readable handle.
func (c *Client) GetProfile(ctx context.Context, did string) (handle string, err error) {
	profile, err := bsky.ActorGetProfile(ctx, c.xc, did)
	if err != nil {
		return "", evalerr.Wrap(evalerr.KindTransport, fmt.Errorf("get profile: %w", err))
	}
	return profile.Handle, nil
}
