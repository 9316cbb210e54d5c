package model

import "time"

// Row is a document as persisted by a backend, together with the
// generation minted when it was last committed.
type Row struct {
	Document   *Document
	Generation uint64
}

// Committed describes a successful conditional update: the generation
// assigned to the write and the document state it replaced (nil when the
// write created the row).
type Committed struct {
	Generation uint64
	Previous   *Document
}

// CacheEntry represents a cached document snapshot
type CacheEntry struct {
	Key        string // Format: "{collection}:{id}"
	Document   *Document
	Generation uint64
	Installed  time.Time
}
