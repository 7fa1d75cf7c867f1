// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package rimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoredManifest is one encoded manifest row.
type StoredManifest struct {
	ID           int64
	ControllerID int64
	TagID        string
	Encoded      []byte
	CreatedAt    time.Time
}

// ManifestRepository handles manifest persistence.
type ManifestRepository struct {
	db DBTX
}

func NewManifestRepository(db DBTX) *ManifestRepository {
	return &ManifestRepository{db: db}
}

// Create inserts an encoded manifest for a controller.
func (r *ManifestRepository) Create(ctx context.Context, m *StoredManifest) (int64, error) {
	const q = `
		INSERT INTO rim_manifests (controller_id, tag_id, rim_manifest)
		VALUES (?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, m.ControllerID, m.TagID, m.Encoded)
	if err != nil {
		return 0, fmt.Errorf("insert manifest: %w", err)
	}
	return res.LastInsertId()
}

// ListByController returns every manifest of a controller in insertion order.
func (r *ManifestRepository) ListByController(ctx context.Context, controllerID int64) ([]*StoredManifest, error) {
	const q = `
		SELECT id, controller_id, tag_id, rim_manifest, created_at
		FROM rim_manifests
		WHERE controller_id = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, q, controllerID)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	var out []*StoredManifest
	for rows.Next() {
		var m StoredManifest
		if err := rows.Scan(&m.ID, &m.ControllerID, &m.TagID, &m.Encoded, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Latest returns the most recently stored manifest of a controller, or nil.
func (r *ManifestRepository) Latest(ctx context.Context, controllerID int64) (*StoredManifest, error) {
	const q = `
		SELECT id, controller_id, tag_id, rim_manifest, created_at
		FROM rim_manifests
		WHERE controller_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	var m StoredManifest
	err := r.db.QueryRowContext(ctx, q, controllerID).Scan(&m.ID, &m.ControllerID, &m.TagID, &m.Encoded, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return &m, nil
}

// DeleteByController removes every manifest of a controller.
func (r *ManifestRepository) DeleteByController(ctx context.Context, controllerID int64) (int64, error) {
	const q = `DELETE FROM rim_manifests WHERE controller_id = ?`
	res, err := r.db.ExecContext(ctx, q, controllerID)
	if err != nil {
		return 0, fmt.Errorf("delete manifests: %w", err)
	}
	return res.RowsAffected()
}
