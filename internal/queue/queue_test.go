package queue

import (
	"testing"

	"github.com/evalbot/evalbot/internal/mention"
)

func TestEncodeDecodeMentionRoundTrips(t *testing.T) {
	m := mention.Mention{
		PostText:  "@evalbot 2+2",
		AuthorID:  "did:plc:alice",
		PostURI:   "at://did:plc:alice/app.bsky.feed.post/abc",
		PostCID:   "bafyabc",
		ParentThreadRoot: &mention.StrongRef{URI: "at://root", CID: "bafyroot"},
	}

	b, err := encodeMention(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := decodeMention(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.PostURI != m.PostURI || got.AuthorID != m.AuthorID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, m)
	}
	if got.ParentThreadRoot == nil || got.ParentThreadRoot.URI != "at://root" {
		t.Fatalf("expected parent thread root to survive round trip, got %+v", got.ParentThreadRoot)
	}
}

func TestEncodeDecodeMentionWithoutParent(t *testing.T) {
	m := mention.Mention{PostURI: "at://solo"}
	b, err := encodeMention(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeMention(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ParentThreadRoot != nil {
		t.Fatalf("expected nil parent thread root, got %+v", got.ParentThreadRoot)
	}
}
