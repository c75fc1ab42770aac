// Package firehose subscribes to com.atproto.sync.subscribeRepos and emits
// one mention.Mention for every post-create commit whose text contains the
// bot's "@handle" or whose richtext facets mention the bot's own DID.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/repo"
	"github.com/gorilla/websocket"

	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
	"github.com/evalbot/evalbot/internal/parser"
)

// Signal is emitted on the Signals channel whenever the subscription's
// connection state changes, independent of the Mentions stream.
type Signal struct {
	Kind  SignalKind
	Error error
}

type SignalKind int

const (
	SignalConnected SignalKind = iota
	SignalDisconnected
	SignalError
)

// Config identifies the relay to subscribe to and the bot identity mentions
// are matched against.
type Config struct {
	RelayHost string // e.g. "bsky.network"
	BotDID    string
	BotHandle string
	// Cursor resumes a prior subscription at a given sequence number; zero
	// means "subscribe live from now".
	Cursor int64
}

// Filter consumes the firehose and emits mentions. It never buffers
// internally beyond the channel capacity handed to Subscribe: a slow
// consumer applies backpressure straight to the websocket read loop.
type Filter struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config, log *logger.Logger) *Filter {
	return &Filter{cfg: cfg, log: log.With("component", "FirehoseFilter")}
}

// Subscribe connects and streams mentions until ctx is canceled. Whenever
// the connection drops (including a close by the relay) it reconnects with
// exponential backoff from 1s, capped at 30s; Signals reports each
// transition.
func (f *Filter) Subscribe(ctx context.Context, mentions chan<- mention.Mention, signals chan<- Signal) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := f.runOnce(ctx, mentions, signals)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.log.Warn("firehose connection lost", "error", err)
			emitSignal(signals, Signal{Kind: SignalError, Error: err})
		}
		emitSignal(signals, Signal{Kind: SignalDisconnected})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *Filter) runOnce(ctx context.Context, mentions chan<- mention.Mention, signals chan<- Signal) error {
	u := url.URL{Scheme: "wss", Host: f.cfg.RelayHost, Path: "/xrpc/com.atproto.sync.subscribeRepos"}
	if f.cfg.Cursor > 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", f.cfg.Cursor))
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	emitSignal(signals, Signal{Kind: SignalConnected})

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := f.handleFrame(data, mentions); err != nil {
			f.log.Debug("dropping unreadable frame", "error", err)
		}
	}
}

func (f *Filter) handleFrame(data []byte, mentions chan<- mention.Mention) error {
	r := bytes.NewReader(data)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode commit: %w", err)
	}

	return f.handleCommit(&commit, mentions)
}

func (f *Filter) handleCommit(commit *atproto.SyncSubscribeRepos_Commit, mentions chan<- mention.Mention) error {
	if commit.TooBig || len(commit.Ops) == 0 {
		return nil
	}

	rep, err := repo.ReadRepoFromCar(context.Background(), bytes.NewReader(commit.Blocks))
	if err != nil {
		return fmt.Errorf("read repo slice: %w", err)
	}

	for _, op := range commit.Ops {
		if op.Action != "create" || !strings.HasPrefix(op.Path, "app.bsky.feed.post/") {
			continue
		}
		_, recCID, rec, err := rep.GetRecord(context.Background(), op.Path)
		if err != nil {
			continue
		}
		post, ok := rec.(*bsky.FeedPost)
		if !ok {
			continue
		}
		m, matched := f.matchPost(commit.Repo, op.Path, recCID.String(), post)
		if matched {
			mentions <- m
		}
	}
	return nil
}

func (f *Filter) matchPost(repoDID, path, cidStr string, post *bsky.FeedPost) (mention.Mention, bool) {
	spans := extractMentionSpans(post, f.cfg.BotDID)
	hasHandleMention := strings.Contains(strings.ToLower(post.Text), strings.ToLower("@"+f.cfg.BotHandle))

	if len(spans) == 0 && !hasHandleMention {
		return mention.Mention{}, false
	}

	postURI := fmt.Sprintf("at://%s/%s", repoDID, path)
	m := mention.Mention{
		PostText:   post.Text,
		AuthorID:   repoDID,
		PostURI:    postURI,
		PostCID:    cidStr,
		ReceivedAt: time.Now(),
	}
	if post.Reply != nil && post.Reply.Root != nil {
		m.ParentThreadRoot = &mention.StrongRef{URI: post.Reply.Root.Uri, CID: post.Reply.Root.Cid}
	}
	return m, true
}

// extractMentionSpans finds richtext facets whose feature list contains a
// mention of botDID, returning their byte ranges. matchPost uses them only
// to decide whether the post mentions the bot; they are not carried on the
// emitted Mention.
func extractMentionSpans(post *bsky.FeedPost, botDID string) []parser.RichtextMention {
	var spans []parser.RichtextMention
	for _, facet := range post.Facets {
		if facet.Index == nil {
			continue
		}
		for _, feat := range facet.Features {
			if feat.RichtextFacet_Mention != nil && feat.RichtextFacet_Mention.Did == botDID {
				spans = append(spans, parser.RichtextMention{
					ByteStart: int(facet.Index.ByteStart),
					ByteEnd:   int(facet.Index.ByteEnd),
				})
			}
		}
	}
	return spans
}

func emitSignal(signals chan<- Signal, s Signal) {
	select {
	case signals <- s:
	default:
	}
}
