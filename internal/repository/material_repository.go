package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/bktutor-api/internal/models"
)

const materialColumns = `id, title, subject, description, uploaded_by, upload_date, file_type, file_size, downloads, url, storage_path, shared_with`

// MaterialRepository persists study material metadata.
type MaterialRepository struct {
	db *sqlx.DB
}

// NewMaterialRepository constructs the repository.
func NewMaterialRepository(db *sqlx.DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

// Create inserts a material row.
func (r *MaterialRepository) Create(ctx context.Context, m *models.Material) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.UploadDate.IsZero() {
		m.UploadDate = time.Now().UTC()
	}
	if m.SharedWith == nil {
		m.SharedWith = pq.StringArray{}
	}
	const query = `INSERT INTO materials (` + materialColumns + `)
	VALUES (:id, :title, :subject, :description, :uploaded_by, :upload_date, :file_type, :file_size, :downloads, :url, :storage_path, :shared_with)`
	if _, err := r.db.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("create material: %w", err)
	}
	return nil
}

// GetByID fetches a material.
func (r *MaterialRepository) GetByID(ctx context.Context, id string) (*models.Material, error) {
	const query = `SELECT ` + materialColumns + ` FROM materials WHERE id = $1`
	var m models.Material
	if err := r.db.GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get material: %w", err)
	}
	return &m, nil
}

// List returns materials matching the filter newest first, plus the total count.
func (r *MaterialRepository) List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, int, error) {
	var where whereBuilder
	if filter.VisibleTo != "" {
		where.bind("(uploaded_by = $? OR $? = ANY(shared_with))", filter.VisibleTo)
	}
	if filter.Subject != "" {
		where.eq("subject", filter.Subject)
	}
	if filter.Search != "" {
		where.bind("(LOWER(title) LIKE $? OR LOWER(description) LIKE $?)", likePattern(filter.Search))
	}
	limit, offset := window(filter.Limit, filter.Offset, 50, 200)

	listQuery := fmt.Sprintf("SELECT %s FROM materials%s ORDER BY upload_date DESC LIMIT %d OFFSET %d", materialColumns, where.clause(), limit, offset)
	var items []models.Material
	if err := r.db.SelectContext(ctx, &items, listQuery, where.args...); err != nil {
		return nil, 0, fmt.Errorf("list materials: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM materials"+where.clause(), where.args...); err != nil {
		return nil, 0, fmt.Errorf("count materials: %w", err)
	}
	return items, total, nil
}

// Update writes editable metadata.
func (r *MaterialRepository) Update(ctx context.Context, m *models.Material) error {
	const query = `UPDATE materials SET title = :title, subject = :subject, description = :description, url = :url WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("update material: %w", err)
	}
	return nil
}

// AddSharedWith appends recipients that are not already present and returns the new list.
func (r *MaterialRepository) AddSharedWith(ctx context.Context, id string, userIDs []string) (pq.StringArray, error) {
	const query = `UPDATE materials
	SET shared_with = ARRAY(SELECT DISTINCT unnest(shared_with || $2::text[]))
	WHERE id = $1 RETURNING shared_with`
	var shared pq.StringArray
	if err := r.db.GetContext(ctx, &shared, query, id, pq.StringArray(userIDs)); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, err
		}
		return nil, fmt.Errorf("share material: %w", err)
	}
	return shared, nil
}

// IncrementDownloads bumps the download counter and returns the new value.
func (r *MaterialRepository) IncrementDownloads(ctx context.Context, id string) (int, error) {
	const query = `UPDATE materials SET downloads = downloads + 1 WHERE id = $1 RETURNING downloads`
	var downloads int
	if err := r.db.GetContext(ctx, &downloads, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return 0, err
		}
		return 0, fmt.Errorf("increment material downloads: %w", err)
	}
	return downloads, nil
}

// Delete removes a material row.
func (r *MaterialRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM materials WHERE id = $1`, id)
	if isMalformedID(err) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check material delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
