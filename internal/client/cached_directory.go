package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// CachedDirectory caches reviewer identities in Redis in front of another
// Directory. Concurrent misses for the same reviewer share one lookup.
// Cache failures fall through to the wrapped directory.
type CachedDirectory struct {
	next   service.Directory
	client *redis.Client
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	log    *logger.Logger
}

var _ service.Directory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps next. prefix defaults to "records-workflow:".
func NewCachedDirectory(next service.Directory, client *redis.Client, ttl time.Duration, prefix string, log *logger.Logger) *CachedDirectory {
	if prefix == "" {
		prefix = "records-workflow:"
	}
	return &CachedDirectory{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		log:    log,
	}
}

type cachedReviewer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LookupReviewer returns the cached identity, loading it on a miss.
func (d *CachedDirectory) LookupReviewer(ctx context.Context, reviewerID string) (*service.Reviewer, error) {
	key := d.prefix + "reviewer:" + reviewerID

	if r, err := d.get(ctx, key); err == nil {
		return r, nil
	} else if !errors.Is(err, redis.Nil) {
		d.log.Warn().Err(err).Str("reviewer_id", reviewerID).Msg("Reviewer cache read failed")
	}

	v, err, _ := d.group.Do(reviewerID, func() (interface{}, error) {
		r, err := d.next.LookupReviewer(ctx, reviewerID)
		if err != nil {
			return nil, err
		}
		d.set(ctx, key, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*service.Reviewer)
	return &r, nil
}

func (d *CachedDirectory) get(ctx context.Context, key string) (*service.Reviewer, error) {
	data, err := d.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var c cachedReviewer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached reviewer: %w", err)
	}
	return &service.Reviewer{ID: c.ID, Name: c.Name, Email: c.Email}, nil
}

func (d *CachedDirectory) set(ctx context.Context, key string, r *service.Reviewer) {
	data, err := json.Marshal(cachedReviewer{ID: r.ID, Name: r.Name, Email: r.Email})
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.log.Warn().Err(err).Str("reviewer_id", r.ID).Msg("Reviewer cache write failed")
	}
}
