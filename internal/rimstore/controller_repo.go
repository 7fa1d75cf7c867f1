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

// Controller is a platform whose reference manifests are stored.
type Controller struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ControllerRepository handles controller persistence.
type ControllerRepository struct {
	db DBTX
}

func NewControllerRepository(db DBTX) *ControllerRepository {
	return &ControllerRepository{db: db}
}

// Create inserts a controller and returns its id.
func (r *ControllerRepository) Create(ctx context.Context, name string) (int64, error) {
	const q = `INSERT INTO controllers (name) VALUES (?)`
	res, err := r.db.ExecContext(ctx, q, name)
	if err != nil {
		return 0, fmt.Errorf("insert controller: %w", err)
	}
	return res.LastInsertId()
}

// FindByName returns the controller called name, or nil if there is none.
func (r *ControllerRepository) FindByName(ctx context.Context, name string) (*Controller, error) {
	const q = `
		SELECT id, name, created_at
		FROM controllers
		WHERE name = ?
		LIMIT 1
	`
	var c Controller
	err := r.db.QueryRowContext(ctx, q, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan controller: %w", err)
	}
	return &c, nil
}

// FindOrCreate returns the id of the controller called name, creating it if
// needed. Run it inside a transaction so the lookup and insert are not
// interleaved with another writer.
func (r *ControllerRepository) FindOrCreate(ctx context.Context, name string) (int64, error) {
	c, err := r.FindByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if c != nil {
		return c.ID, nil
	}
	return r.Create(ctx, name)
}
