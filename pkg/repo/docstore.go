/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package repo

import (
	"context"
	"fmt"

	"gocloud.dev/docstore"
	"gocloud.dev/gcerrors"

	// Register the mem:// and mongo:// collection openers.
	_ "gocloud.dev/docstore/memdocstore"
	_ "gocloud.dev/docstore/mongodocstore"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

type docstoreRepo struct {
	coll *docstore.Collection
}

var _ Interface = (*docstoreRepo)(nil)

// NewDocstore stores registrations as documents keyed by "_id".
func NewDocstore(coll *docstore.Collection) Interface {
	return &docstoreRepo{coll: coll}
}

func (d *docstoreRepo) Find(ctx context.Context, id engine.EngineID, secret engine.ClientSecret) (*Record, error) {
	rec := &Record{ID: string(id)}
	if err := d.coll.Get(ctx, rec); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading engine %s: %w", id, err)
	}
	return authorize(rec, secret)
}

func (d *docstoreRepo) Put(ctx context.Context, rec *Record) error {
	if err := d.coll.Put(ctx, rec); err != nil {
		return fmt.Errorf("writing engine %s: %w", rec.ID, err)
	}
	return nil
}

func (d *docstoreRepo) Close() error {
	return d.coll.Close()
}
