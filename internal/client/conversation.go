package client

import (
	"sync"

	"healthchat/internal/models"
)

// Entry is one line of the local transcript.
type Entry struct {
	Role    models.Role
	Content string
}

// Conversation holds the append-only transcript plus the in-flight flag.
// Entries are never mutated or removed once appended.
type Conversation struct {
	mu      sync.Mutex
	entries []Entry
	loading bool
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds one entry to the end of the transcript.
func (c *Conversation) Append(role models.Role, content string) {
	c.mu.Lock()
	c.entries = append(c.entries, Entry{Role: role, Content: content})
	c.mu.Unlock()
}

// Entries returns a snapshot of the transcript in order.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports the number of transcript entries.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Loading reports whether a chat request is in flight.
func (c *Conversation) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// BeginRequest atomically checks the loading flag and claims it.
// It returns false when a request is already in flight, so a caller
// that races a pending submit gets rejected instead of double-sending.
func (c *Conversation) BeginRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading {
		return false
	}
	c.loading = true
	return true
}

// EndRequest clears the loading flag.
func (c *Conversation) EndRequest() {
	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()
}
