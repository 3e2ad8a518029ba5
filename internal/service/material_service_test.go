package service

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/storage"
)

type memMaterialStore struct {
	items      map[string]*models.Material
	lastFilter models.MaterialFilter
}

func (m *memMaterialStore) Create(ctx context.Context, material *models.Material) error {
	copy := *material
	m.items[material.ID] = &copy
	return nil
}

func (m *memMaterialStore) GetByID(ctx context.Context, id string) (*models.Material, error) {
	material, ok := m.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *material
	copy.SharedWith = append(pq.StringArray{}, material.SharedWith...)
	return &copy, nil
}

func (m *memMaterialStore) List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, int, error) {
	m.lastFilter = filter
	var out []models.Material
	for _, material := range m.items {
		if filter.VisibleTo != "" && !material.IsVisibleTo(filter.VisibleTo) {
			continue
		}
		out = append(out, *material)
	}
	return out, len(out), nil
}

func (m *memMaterialStore) Update(ctx context.Context, material *models.Material) error {
	copy := *material
	m.items[material.ID] = &copy
	return nil
}

func (m *memMaterialStore) AddSharedWith(ctx context.Context, id string, userIDs []string) (pq.StringArray, error) {
	material, ok := m.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	material.SharedWith = append(material.SharedWith, userIDs...)
	return append(pq.StringArray{}, material.SharedWith...), nil
}

func (m *memMaterialStore) IncrementDownloads(ctx context.Context, id string) (int, error) {
	material, ok := m.items[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	material.Downloads++
	return material.Downloads, nil
}

func (m *memMaterialStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.items[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.items, id)
	return nil
}

type materialFixture struct {
	svc      *MaterialService
	store    *memMaterialStore
	files    *storage.LocalStorage
	users    *mockUserRepo
	notifier *recordingNotifier
	bus      *recordingBus
}

func newMaterialFixture(t *testing.T) *materialFixture {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &materialFixture{
		store:    &memMaterialStore{items: map[string]*models.Material{}},
		files:    files,
		notifier: &recordingNotifier{},
		bus:      &recordingBus{},
		users: &mockUserRepo{users: map[string]*models.User{
			"tut-1":   {ID: "tut-1", Role: models.RoleTutor, Active: true},
			"stu-1":   {ID: "stu-1", Role: models.RoleStudent, Active: true},
			"stu-2":   {ID: "stu-2", Role: models.RoleStudent, Active: true},
			"stu-old": {ID: "stu-old", Role: models.RoleStudent, Active: false},
		}},
	}
	signer := storage.NewSignedURLSigner("materials", "test-secret", time.Minute)
	cfg := MaterialConfig{MaxFileSize: 64, AllowedMIMEs: []string{"application/pdf", "text/plain"}, DownloadBase: "/api/v1/files"}
	f.svc = NewMaterialService(f.store, files, signer, f.users, f.notifier, f.bus, f.users, cfg, nil, zap.NewNop())
	return f
}

func (f *materialFixture) upload(t *testing.T, sharedWith ...string) *models.Material {
	t.Helper()
	req := dto.CreateMaterialRequest{Title: "Limits cheatsheet", Subject: "Calculus", SharedWith: sharedWith}
	body := "lim x->0 sin x / x = 1"
	material, err := f.svc.Create(context.Background(), req,
		dto.MaterialUpload{Filename: "limits.txt", ContentType: "text/plain; charset=utf-8", Size: int64(len(body))},
		strings.NewReader(body), &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor, FullName: "Dr. Le"})
	require.NoError(t, err)
	return material
}

func TestMaterialCreateStoresFileAndNotifies(t *testing.T) {
	f := newMaterialFixture(t)

	material := f.upload(t, "stu-1", "stu-1,tut-1")
	assert.Equal(t, "text/plain", material.FileType)
	assert.Equal(t, int64(22), material.FileSize)
	assert.Equal(t, pq.StringArray{"stu-1"}, material.SharedWith)
	assert.Contains(t, material.StoragePath, "tut-1/")

	file, err := f.files.Open(material.StoragePath)
	require.NoError(t, err)
	defer file.Close()
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "lim x->0 sin x / x = 1", string(content))

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "stu-1", f.notifier.sent[0].UserID)
	assert.Equal(t, models.NotificationMaterialShared, f.notifier.sent[0].Type)
	assert.Len(t, f.bus.events, 1)
}

func TestMaterialCreateRejectsBadUploads(t *testing.T) {
	f := newMaterialFixture(t)
	actor := &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor}
	req := dto.CreateMaterialRequest{Title: "Slides", Subject: "Physics"}

	_, err := f.svc.Create(context.Background(), req, dto.MaterialUpload{Filename: "a.exe", ContentType: "application/x-msdownload", Size: 4}, strings.NewReader("MZ.."), actor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.Create(context.Background(), req, dto.MaterialUpload{Filename: "big.pdf", ContentType: "application/pdf", Size: 100}, strings.NewReader("x"), actor)
	assert.ErrorIs(t, err, appErrors.ErrPayloadTooLarge)

	// declared size lies; the stream limit still applies
	_, err = f.svc.Create(context.Background(), req, dto.MaterialUpload{Filename: "big.pdf", Size: 1}, strings.NewReader(strings.Repeat("x", 65)), actor)
	assert.ErrorIs(t, err, appErrors.ErrPayloadTooLarge)

	_, err = f.svc.Create(context.Background(), dto.CreateMaterialRequest{Subject: "Physics"}, dto.MaterialUpload{Filename: "a.txt", Size: 1}, strings.NewReader("x"), actor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	req.SharedWith = []string{"stu-old"}
	_, err = f.svc.Create(context.Background(), req, dto.MaterialUpload{Filename: "a.txt", Size: 1}, strings.NewReader("x"), actor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	assert.Empty(t, f.store.items)
}

func TestMaterialShareNotifiesOnlyNewRecipients(t *testing.T) {
	f := newMaterialFixture(t)
	material := f.upload(t, "stu-1")
	f.notifier.sent = nil
	owner := &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor}

	updated, err := f.svc.Share(context.Background(), material.ID, dto.ShareMaterialRequest{UserIDs: []string{"stu-1", "stu-2"}}, owner)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stu-1", "stu-2"}, []string(updated.SharedWith))
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "stu-2", f.notifier.sent[0].UserID)

	_, err = f.svc.Share(context.Background(), material.ID, dto.ShareMaterialRequest{UserIDs: []string{"stu-2"}}, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.Share(context.Background(), material.ID, dto.ShareMaterialRequest{}, owner)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestMaterialVisibilityAndListing(t *testing.T) {
	f := newMaterialFixture(t)
	material := f.upload(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.Get(ctx, material.ID, &models.JWTClaims{UserID: "stu-2", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	_, err = f.svc.IncrementDownload(ctx, material.ID, &models.JWTClaims{UserID: "stu-2", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	count, err := f.svc.IncrementDownload(ctx, material.ID, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	items, page, err := f.svc.List(ctx, dto.MaterialQuery{Subject: "Calculus"}, &models.JWTClaims{UserID: "stu-2", Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "stu-2", f.store.lastFilter.VisibleTo)
	assert.Equal(t, 0, page.TotalCount)

	items, _, err = f.svc.List(ctx, dto.MaterialQuery{}, &models.JWTClaims{UserID: "coord-1", Role: models.RoleCoordinator})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Empty(t, f.store.lastFilter.VisibleTo)
}

func TestMaterialSignedDownload(t *testing.T) {
	f := newMaterialFixture(t)
	material := f.upload(t, "stu-1")
	ctx := context.Background()

	link, err := f.svc.DownloadLink(ctx, material.ID, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link.URL, "/api/v1/files/"))

	token := strings.TrimPrefix(link.URL, "/api/v1/files/")
	resolved, file, err := f.svc.ResolveDownload(ctx, token)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, material.ID, resolved.ID)
	assert.Equal(t, 1, resolved.Downloads)

	_, _, err = f.svc.ResolveDownload(ctx, token+"x")
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	other := storage.NewSignedURLSigner("reports", "test-secret", time.Minute)
	foreign, _, err := other.Generate(material.ID, material.StoragePath)
	require.NoError(t, err)
	_, _, err = f.svc.ResolveDownload(ctx, foreign)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestMaterialUpdateAndDelete(t *testing.T) {
	f := newMaterialFixture(t)
	material := f.upload(t, "stu-1")
	ctx := context.Background()

	title := "Limits, revised"
	_, err := f.svc.Update(ctx, material.ID, dto.UpdateMaterialRequest{Title: &title}, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	updated, err := f.svc.Update(ctx, material.ID, dto.UpdateMaterialRequest{Title: &title}, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	require.NoError(t, err)
	assert.Equal(t, "Limits, revised", updated.Title)

	err = f.svc.Delete(ctx, material.ID, &models.JWTClaims{UserID: "coord-1", Role: models.RoleCoordinator})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	require.NoError(t, f.svc.Delete(ctx, material.ID, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdministrator}))
	assert.Empty(t, f.store.items)
	_, err = f.files.Open(material.StoragePath)
	assert.Error(t, err)
	require.NotEmpty(t, f.users.auditLogs)
	assert.Equal(t, models.AuditActionMaterialDelete, f.users.auditLogs[len(f.users.auditLogs)-1].Action)

	err = f.svc.Delete(ctx, material.ID, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
