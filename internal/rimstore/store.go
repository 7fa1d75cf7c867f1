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

	"github.com/google/go-measuredboot/rim"
)

// ErrUnknownController is returned when loading manifests for a controller
// that was never imported.
var ErrUnknownController = errors.New("unknown controller")

// Store imports and loads reference manifests, stored as CBOR.
type Store struct {
	db          *sql.DB
	controllers *ControllerRepository
	manifests   *ManifestRepository
}

// Open opens or creates the store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:          db,
		controllers: NewControllerRepository(db),
		manifests:   NewManifestRepository(db),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Import stores m for the named controller, creating the controller on
// first use. When replace is set the controller's earlier manifests are
// removed. Either all of it happens or none of it does.
func (s *Store) Import(ctx context.Context, controller string, m *rim.Manifest, replace bool) error {
	if controller == "" {
		return errors.New("controller name is required")
	}
	encoded, err := rim.EncodeCBOR(m)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := NewControllerRepository(tx).FindOrCreate(ctx, controller)
	if err != nil {
		return err
	}
	manifests := NewManifestRepository(tx)
	if replace {
		if _, err := manifests.DeleteByController(ctx, id); err != nil {
			return err
		}
	}
	if _, err := manifests.Create(ctx, &StoredManifest{ControllerID: id, TagID: m.Metadata().TagID, Encoded: encoded}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load returns the union of every manifest stored for controller.
func (s *Store) Load(ctx context.Context, controller string) (*rim.Manifest, error) {
	c, err := s.controllers.FindByName(ctx, controller)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownController, controller)
	}
	rows, err := s.manifests.ListByController(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("controller %q has no manifests", controller)
	}
	manifests := make([]*rim.Manifest, 0, len(rows))
	for _, row := range rows {
		m, err := rim.DecodeCBOR(row.Encoded)
		if err != nil {
			return nil, fmt.Errorf("manifest %d: %w", row.ID, err)
		}
		manifests = append(manifests, m)
	}
	if len(manifests) == 1 {
		return manifests[0], nil
	}
	md := manifests[len(manifests)-1].Metadata()
	return rim.Merge(md, manifests...)
}

// LoadLatest returns only the most recently imported manifest of controller.
func (s *Store) LoadLatest(ctx context.Context, controller string) (*rim.Manifest, error) {
	c, err := s.controllers.FindByName(ctx, controller)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownController, controller)
	}
	row, err := s.manifests.Latest(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("controller %q has no manifests", controller)
	}
	m, err := rim.DecodeCBOR(row.Encoded)
	if err != nil {
		return nil, fmt.Errorf("manifest %d: %w", row.ID, err)
	}
	return m, nil
}
