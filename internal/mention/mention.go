// Package mention defines the record produced by the firehose filter and
// consumed by the job queue and worker.
package mention

import "time"

// StrongRef identifies a specific version of a record by URI and CID, the
// same shape atproto uses for reply roots/parents.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Mention is an immutable record of a post that referenced the bot. It is
// created by the firehose filter and discarded after the worker that
// processes it finishes.
type Mention struct {
	PostText         string     `json:"post_text"`
	AuthorID         string     `json:"author_id"` // DID
	PostURI          string     `json:"post_uri"`
	PostCID          string     `json:"post_cid"`
	ParentThreadRoot *StrongRef `json:"parent_thread_root,omitempty"`
	ReceivedAt       time.Time  `json:"received_at"`
}

// Parent returns the StrongRef a reply to this mention should set as its
// immediate parent (the mention's own post).
func (m Mention) Parent() StrongRef {
	return StrongRef{URI: m.PostURI, CID: m.PostCID}
}

// Root returns the thread root a reply should reference: the mention's
// existing root if it was itself a reply, otherwise the mention's own post.
func (m Mention) Root() StrongRef {
	if m.ParentThreadRoot != nil {
		return *m.ParentThreadRoot
	}
	return m.Parent()
}
