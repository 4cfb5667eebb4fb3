// Package protocol fetches the versioned assessment document that drives
// schedule generation. The fetch path is: fresh in-memory cache, then the
// configured HTTP source, then the last document persisted from a successful
// fetch. Only when all three are empty does retrieval fail.
package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"studyline/internal/domain"
	"studyline/internal/repo"
)

// ErrUpstreamUnavailable means the source could not be reached and no
// previously fetched document exists to fall back on.
var ErrUpstreamUnavailable = errors.New("protocol source unavailable")

const maxDocBytes = 4 << 20

type Client struct {
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
	Repo     repo.Repo
	HTTP     *http.Client
	Now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDoc
}

type cachedDoc struct {
	doc       domain.ProtocolDoc
	fetchedAt time.Time
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Get returns the current protocol document for a project.
func (c *Client) Get(ctx context.Context, projectID string) (domain.ProtocolDoc, error) {
	if doc, ok := c.cached(projectID); ok {
		return doc, nil
	}

	if c.URL != "" {
		doc, err := c.fetch(ctx)
		if err == nil {
			if err := c.Repo.UpsertProtocolDoc(ctx, projectID, doc); err != nil {
				return domain.ProtocolDoc{}, fmt.Errorf("store protocol doc: %w", err)
			}
			c.store(projectID, doc)
			return doc, nil
		}
		// Source unreachable; serve the last successfully fetched doc.
		stored, serr := c.Repo.GetProtocolDoc(ctx, projectID)
		if serr == nil {
			return stored.Doc, nil
		}
		if errors.Is(serr, repo.ErrNotFound) {
			return domain.ProtocolDoc{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return domain.ProtocolDoc{}, serr
	}

	stored, err := c.Repo.GetProtocolDoc(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ProtocolDoc{}, fmt.Errorf("%w: no source configured and no stored document", ErrUpstreamUnavailable)
	}
	if err != nil {
		return domain.ProtocolDoc{}, err
	}
	c.store(projectID, stored.Doc)
	return stored.Doc, nil
}

// Put stores a protocol document directly, bypassing the HTTP source. Used
// by the admin surface and deployments without an upstream.
func (c *Client) Put(ctx context.Context, projectID string, doc domain.ProtocolDoc) (domain.ProtocolDoc, error) {
	if doc.Version == "" {
		payload, err := json.Marshal(doc)
		if err != nil {
			return domain.ProtocolDoc{}, err
		}
		doc.Version = contentVersion(payload)
	}
	if err := c.Repo.UpsertProtocolDoc(ctx, projectID, doc); err != nil {
		return domain.ProtocolDoc{}, err
	}
	c.store(projectID, doc)
	return doc, nil
}

// Invalidate drops the in-memory entry so the next Get refetches.
func (c *Client) Invalidate(projectID string) {
	c.mu.Lock()
	delete(c.cache, projectID)
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context) (domain.ProtocolDoc, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return domain.ProtocolDoc{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return domain.ProtocolDoc{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.ProtocolDoc{}, fmt.Errorf("protocol source returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return domain.ProtocolDoc{}, err
	}
	var doc domain.ProtocolDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.ProtocolDoc{}, fmt.Errorf("decode protocol doc: %w", err)
	}
	if doc.Version == "" {
		doc.Version = contentVersion(body)
	}
	return doc, nil
}

func (c *Client) cached(projectID string) (domain.ProtocolDoc, bool) {
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[projectID]
	if !ok || c.now().Sub(entry.fetchedAt) > ttl {
		return domain.ProtocolDoc{}, false
	}
	return entry.doc, true
}

func (c *Client) store(projectID string, doc domain.ProtocolDoc) {
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cachedDoc)
	}
	c.cache[projectID] = cachedDoc{doc: doc, fetchedAt: c.now()}
	c.mu.Unlock()
}

// contentVersion derives a stable version from the document body when the
// source does not carry one.
func contentVersion(body []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(body))[:23]
}
