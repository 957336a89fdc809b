// Package secrets stores per-sync credential pairs, kept apart from the
// replication state so tokens never land in a state file or table row.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cacheTTL is how long a fetched credential document is reused before the
// backing store is consulted again.
const cacheTTL = 60 * time.Second

// TokenPair holds the credentials for one sync.
type TokenPair struct {
	SourceToken string `json:"sourceToken"`
	TargetToken string `json:"targetToken"`
}

// document is the serialized shape of the whole credential set.
type document struct {
	Syncs map[string]TokenPair `json:"syncs"`
}

// clone copies the document so mutators never touch the map the cache
// (and concurrent readers) hold.
func (d document) clone() document {
	out := document{Syncs: make(map[string]TokenPair, len(d.Syncs))}
	for id, pair := range d.Syncs {
		out.Syncs[id] = pair
	}
	return out
}

// Store reads and writes per-sync credential pairs.
type Store interface {
	// Tokens returns the credentials for a sync. A sync with no stored
	// credentials yields an empty pair, not an error.
	Tokens(ctx context.Context, syncID string) (TokenPair, error)
	// SetTokens replaces the credentials for a sync. Empty fields keep
	// the previously stored value so operators can rotate one side.
	SetTokens(ctx context.Context, syncID string, pair TokenPair) error
	// DeleteTokens removes the credentials for a sync.
	DeleteTokens(ctx context.Context, syncID string) error
}

// cachedStore wraps a raw document reader/writer with the shared TTL cache
// and the merge-on-set behavior both backends need.
type cachedStore struct {
	read  func(ctx context.Context) (document, error)
	write func(ctx context.Context, doc document) error
	now   func() time.Time

	mu        sync.Mutex
	cached    document
	fetchedAt time.Time
}

func (c *cachedStore) load(ctx context.Context) (document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < cacheTTL {
		return c.cached, nil
	}
	doc, err := c.read(ctx)
	if err != nil {
		return document{}, err
	}
	if doc.Syncs == nil {
		doc.Syncs = map[string]TokenPair{}
	}
	c.cached = doc
	c.fetchedAt = c.now()
	return doc, nil
}

func (c *cachedStore) Tokens(ctx context.Context, syncID string) (TokenPair, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return TokenPair{}, err
	}
	return doc.Syncs[syncID], nil
}

func (c *cachedStore) SetTokens(ctx context.Context, syncID string, pair TokenPair) error {
	cur, err := c.load(ctx)
	if err != nil {
		return err
	}
	doc := cur.clone()
	prev := doc.Syncs[syncID]
	if pair.SourceToken == "" {
		pair.SourceToken = prev.SourceToken
	}
	if pair.TargetToken == "" {
		pair.TargetToken = prev.TargetToken
	}
	doc.Syncs[syncID] = pair
	return c.store(ctx, doc)
}

func (c *cachedStore) DeleteTokens(ctx context.Context, syncID string) error {
	cur, err := c.load(ctx)
	if err != nil {
		return err
	}
	doc := cur.clone()
	delete(doc.Syncs, syncID)
	return c.store(ctx, doc)
}

// store persists the new document and only then installs it in the
// cache, so a failed write never leaves an unpersisted token being
// served for the rest of the TTL.
func (c *cachedStore) store(ctx context.Context, doc document) error {
	if err := c.write(ctx, doc); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = doc
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// FileStore keeps the credential document in a mode-0600 JSON file beside
// the local state file. Used when the local state backend is selected.
type FileStore struct {
	cachedStore
	path string
}

// NewFileStore creates a file-backed credential store at path.
func NewFileStore(path string) *FileStore {
	fs := &FileStore{path: path}
	fs.cachedStore = cachedStore{
		now:   time.Now,
		read:  fs.readFile,
		write: fs.writeFile,
	}
	return fs
}

func (fs *FileStore) readFile(context.Context) (document, error) {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return document{Syncs: map[string]TokenPair{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("reading credentials file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("parsing credentials file: %w", err)
	}
	return doc, nil
}

func (fs *FileStore) writeFile(_ context.Context, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials temp file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}
