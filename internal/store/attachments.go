// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/sdilink/pecbridge/internal/models"
)

// CreateAttachment stores a file and fills in its ID.
func (s *Store) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO attachments (name, mimetype, owner_kind, owner_id, company_id, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, att.Name, att.Mimetype, att.OwnerKind, att.OwnerID, att.CompanyID, att.Content,
	).Scan(&att.ID, &att.CreatedAt)
}

// AttachmentByID retrieves a stored file.
func (s *Store) AttachmentByID(ctx context.Context, id int64) (*models.Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, mimetype, owner_kind, owner_id, company_id, content, created_at
		FROM attachments
		WHERE id = $1
	`, id)
	var a models.Attachment
	err := row.Scan(&a.ID, &a.Name, &a.Mimetype, &a.OwnerKind, &a.OwnerID, &a.CompanyID, &a.Content, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RenameAttachment changes a stored file's name. Used when the official
// transmission key stamped into the XML differs from the provisional
// name the artifact was created under.
func (s *Store) RenameAttachment(ctx context.Context, id int64, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attachments SET name = $1 WHERE id = $2
	`, name, id)
	return err
}

// Exists reports whether any stored attachment carries the given name.
// companyID of 0 searches across all companies. Satisfies the
// progressivo allocator's collision check.
func (s *Store) Exists(ctx context.Context, filename string, companyID int64) (bool, error) {
	var found bool
	var err error
	if companyID == 0 {
		err = s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM attachments WHERE name = $1)
		`, filename).Scan(&found)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM attachments WHERE name = $1 AND company_id = $2)
		`, filename, companyID).Scan(&found)
	}
	return found, err
}
