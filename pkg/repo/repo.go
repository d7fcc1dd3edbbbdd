/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package repo looks up external engine registrations.
package repo

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/blob"
	"gocloud.dev/docstore"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

// ErrNotFound is returned by Find when no registration matches both the id
// and the client secret. Callers cannot tell the two cases apart.
var ErrNotFound = errors.New("external engine not found")

// Collection is the name registrations are stored under.
const Collection = "external_engine"

// Interface is implemented by every registration store.
type Interface interface {
	// Find returns the registration for id if secret matches its client
	// secret, and ErrNotFound otherwise.
	Find(ctx context.Context, id engine.EngineID, secret engine.ClientSecret) (*Record, error)

	// Put creates or replaces a registration.
	Put(ctx context.Context, rec *Record) error

	Close() error
}

// Record is a stored registration, secrets included.
type Record struct {
	ID             string   `docstore:"_id" json:"_id"`
	Name           string   `docstore:"name" json:"name"`
	ClientSecret   string   `docstore:"clientSecret" json:"clientSecret"`
	UserID         string   `docstore:"userId" json:"userId"`
	MaxThreads     int      `docstore:"maxThreads" json:"maxThreads"`
	MaxHash        int      `docstore:"maxHash" json:"maxHash"`
	Variants       []string `docstore:"variants" json:"variants"`
	ProviderSecret string   `docstore:"providerSecret" json:"providerSecret"`
	ProviderData   string   `docstore:"providerData" json:"providerData,omitempty"`
}

// Selector is the routing key the registration's work is queued under.
func (r *Record) Selector() engine.ProviderSelector {
	return engine.ProviderSecret(r.ProviderSecret).Selector()
}

// Engine projects the registration onto the view shared with providers.
func (r *Record) Engine() engine.Engine {
	e := engine.Engine{
		ID:           engine.EngineID(r.ID),
		Name:         r.Name,
		ClientSecret: engine.ClientSecret(r.ClientSecret),
		UserID:       engine.UserID(r.UserID),
		MaxThreads:   r.MaxThreads,
		MaxHash:      r.MaxHash,
		Variants:     make([]engine.Variant, 0, len(r.Variants)),
	}
	for _, v := range r.Variants {
		e.Variants = append(e.Variants, engine.Variant(v))
	}
	if r.ProviderData != "" {
		data := r.ProviderData
		e.ProviderData = &data
	}
	return e
}

// authorize returns rec if it was found and secret matches.
func authorize(rec *Record, secret engine.ClientSecret) (*Record, error) {
	if rec == nil || subtle.ConstantTimeCompare([]byte(rec.ClientSecret), []byte(secret)) != 1 {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Open connects to the store named by rawURL:
//
//	redis://host:port/db          Redis hashes
//	gs://bucket, file:///path     JSON objects in a bucket
//	mongo://db/collection         MongoDB (MONGO_SERVER_URL holds the server)
//	mem://collection/_id          in-memory, for development
func Open(ctx context.Context, rawURL string) (Interface, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return NewRedis(redis.NewClient(opts)), nil

	case "gs", "file":
		bucket, err := blob.OpenBucket(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("opening bucket %s: %w", rawURL, err)
		}
		return NewBlob(bucket), nil

	default:
		coll, err := docstore.OpenCollection(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("opening collection %s: %w", rawURL, err)
		}
		return NewDocstore(coll), nil
	}
}
