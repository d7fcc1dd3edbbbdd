/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Add gcsblob support that we need to support gs:// prefixes
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/fileblob"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

type blobRepo struct {
	bucket *blob.Bucket
}

var _ Interface = (*blobRepo)(nil)

// NewBlob stores each registration as a JSON object at
// external_engine/{id}.json. It takes ownership of bucket.
func NewBlob(bucket *blob.Bucket) Interface {
	return &blobRepo{bucket: blob.PrefixedBucket(bucket, Collection+"/")}
}

func blobKey(id string) string {
	return id + ".json"
}

func (b *blobRepo) Find(ctx context.Context, id engine.EngineID, secret engine.ClientSecret) (*Record, error) {
	data, err := b.bucket.ReadAll(ctx, blobKey(string(id)))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading engine %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding engine %s: %w", id, err)
	}
	// The object name is authoritative.
	rec.ID = string(id)
	return authorize(&rec, secret)
}

func (b *blobRepo) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding engine %s: %w", rec.ID, err)
	}
	if err := b.bucket.WriteAll(ctx, blobKey(rec.ID), data, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("writing engine %s: %w", rec.ID, err)
	}
	return nil
}

func (b *blobRepo) Close() error {
	return b.bucket.Close()
}
