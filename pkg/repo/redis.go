/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

type redisRepo struct {
	rdb *redis.Client
}

var _ Interface = (*redisRepo)(nil)

// NewRedis stores each registration as a hash at external_engine:{id}.
func NewRedis(rdb *redis.Client) Interface {
	return &redisRepo{rdb: rdb}
}

func redisKey(id string) string {
	return Collection + ":" + id
}

func (r *redisRepo) Find(ctx context.Context, id engine.EngineID, secret engine.ClientSecret) (*Record, error) {
	hash, err := r.rdb.HGetAll(ctx, redisKey(string(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("reading engine %s: %w", id, err)
	}
	// HGetAll returns an empty map for missing keys.
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	rec, err := hashToRecord(string(id), hash)
	if err != nil {
		return nil, fmt.Errorf("decoding engine %s: %w", id, err)
	}
	return authorize(rec, secret)
}

func (r *redisRepo) Put(ctx context.Context, rec *Record) error {
	hash, err := recordToHash(rec)
	if err != nil {
		return fmt.Errorf("encoding engine %s: %w", rec.ID, err)
	}
	key := redisKey(rec.ID)
	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		return nil
	}); err != nil {
		return fmt.Errorf("writing engine %s: %w", rec.ID, err)
	}
	return nil
}

func (r *redisRepo) Close() error {
	return r.rdb.Close()
}

// recordToHash flattens rec into hash fields. Variants are JSON-encoded.
func recordToHash(rec *Record) (map[string]interface{}, error) {
	variants, err := json.Marshal(rec.Variants)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":           rec.Name,
		"clientSecret":   rec.ClientSecret,
		"userId":         rec.UserID,
		"maxThreads":     rec.MaxThreads,
		"maxHash":        rec.MaxHash,
		"variants":       string(variants),
		"providerSecret": rec.ProviderSecret,
		"providerData":   rec.ProviderData,
	}, nil
}

func hashToRecord(id string, hash map[string]string) (*Record, error) {
	maxThreads, err := strconv.Atoi(hash["maxThreads"])
	if err != nil {
		return nil, fmt.Errorf("invalid maxThreads: %w", err)
	}
	maxHash, err := strconv.Atoi(hash["maxHash"])
	if err != nil {
		return nil, fmt.Errorf("invalid maxHash: %w", err)
	}
	var variants []string
	if v := hash["variants"]; v != "" {
		if err := json.Unmarshal([]byte(v), &variants); err != nil {
			return nil, fmt.Errorf("invalid variants: %w", err)
		}
	}
	return &Record{
		ID:             id,
		Name:           hash["name"],
		ClientSecret:   hash["clientSecret"],
		UserID:         hash["userId"],
		MaxThreads:     maxThreads,
		MaxHash:        maxHash,
		Variants:       variants,
		ProviderSecret: hash["providerSecret"],
		ProviderData:   hash["providerData"],
	}, nil
}
