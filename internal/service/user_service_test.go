package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

type mockUserRepo struct {
	users          map[string]*models.User
	listUsers      []models.User
	listCount      int
	listErr        error
	findByIDErr    error
	findByEmailErr error
	auditLogs      []*models.AuditLog
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	if m.listUsers != nil {
		return m.listUsers, m.listCount, nil
	}
	var users []models.User
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	if user, ok := m.users[id]; ok {
		copy := *user
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	for _, u := range m.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Update(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	if user, ok := m.users[id]; ok {
		user.Active = false
		m.users[id] = user
		return nil
	}
	return sql.ErrNoRows
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func newUserServiceForTest(repo *mockUserRepo) *UserService {
	svc := NewUserService(repo, validator.New(), zap.NewNop())
	svc.bcryptCost = bcrypt.MinCost
	return svc
}

var adminActor = models.AuditActor{UserID: "admin-1", IP: "10.0.0.1", UserAgent: "test"}

func TestUserServiceListClampsPaging(t *testing.T) {
	repo := &mockUserRepo{listUsers: []models.User{{ID: "1", Email: "a@example.com"}}, listCount: 1}
	svc := newUserServiceForTest(repo)

	users, pagination, err := svc.List(context.Background(), models.UserFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, models.Pagination{Page: 1, PageSize: 10, TotalCount: 1}, *pagination)

	_, pagination, err = svc.List(context.Background(), models.UserFilter{Page: -2, PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, defaultUserPageSize, pagination.PageSize)

	repo.listErr = errors.New("db down")
	_, _, err = svc.List(context.Background(), models.UserFilter{})
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestUserServiceCreate(t *testing.T) {
	repo := &mockUserRepo{users: make(map[string]*models.User)}
	svc := newUserServiceForTest(repo)
	code := "SV2024-01"
	year := 2
	user, err := svc.Create(context.Background(), dto.CreateUserRequest{
		Email:       "AN@EXAMPLE.EDU",
		FullName:    " An Nguyen ",
		Password:    "secret123",
		Role:        "Student",
		StudentCode: &code,
		Year:        &year,
		Expertise:   []string{"ignored for students"},
	}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, "an@example.edu", user.Email)
	assert.Equal(t, "An Nguyen", user.FullName)
	assert.Equal(t, models.RoleStudent, user.Role)
	assert.True(t, user.Active)
	assert.Empty(t, user.Expertise)
	require.NotNil(t, user.StudentCode)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret123")))

	require.Len(t, repo.auditLogs, 1)
	entry := repo.auditLogs[0]
	assert.Equal(t, models.AuditActionUserCreate, entry.Action)
	assert.Equal(t, "10.0.0.1", entry.IPAddress)
	assert.Equal(t, "admin-1", *entry.UserID)
	assert.Nil(t, entry.OldValues)
	assert.Contains(t, string(entry.NewValues), `"role":"student"`)

	_, err = svc.Create(context.Background(), dto.CreateUserRequest{Email: " An@example.edu", FullName: "Dup", Password: "secret123", Role: "student"}, adminActor)
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	_, err = svc.Create(context.Background(), dto.CreateUserRequest{Email: "x@example.edu", FullName: "X", Password: "secret123", Role: "lecturer"}, adminActor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Create(context.Background(), dto.CreateUserRequest{Email: "y@example.edu", FullName: "Y", Password: "short", Role: "tutor"}, adminActor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestUserServiceUpdate(t *testing.T) {
	gpa := 3.2
	repo := &mockUserRepo{users: map[string]*models.User{"1": {ID: "1", Email: "a@example.com", FullName: "Old", Role: models.RoleStudent, GPA: &gpa, Active: true}}}
	svc := newUserServiceForTest(repo)
	active := false
	name, role := "New", "tutor"
	user, err := svc.Update(context.Background(), "1", dto.UpdateUserRequest{FullName: &name, Role: &role, Active: &active, Expertise: []string{"Calculus"}}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.RoleTutor, user.Role)
	assert.Equal(t, "New", user.FullName)
	assert.Equal(t, []string{"Calculus"}, []string(user.Expertise))
	assert.Nil(t, user.GPA)
	assert.False(t, user.Active)
	require.Len(t, repo.auditLogs, 1)
	assert.Contains(t, string(repo.auditLogs[0].OldValues), `"role":"student"`)
	assert.Contains(t, string(repo.auditLogs[0].NewValues), `"role":"tutor"`)

	_, err = svc.Update(context.Background(), "missing", dto.UpdateUserRequest{}, adminActor)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	repo.users["admin-1"] = &models.User{ID: "admin-1", Role: models.RoleAdministrator, Active: true}
	_, err = svc.Update(context.Background(), "admin-1", dto.UpdateUserRequest{Active: &active}, adminActor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestUserServiceDelete(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{"1": {ID: "1", Email: "a@example.com", FullName: "Old", Role: models.RoleTutor, Active: true}}}
	svc := newUserServiceForTest(repo)
	require.NoError(t, svc.Delete(context.Background(), "1", adminActor))
	assert.False(t, repo.users["1"].Active)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionUserDelete, repo.auditLogs[0].Action)

	err := svc.Delete(context.Background(), "admin-1", adminActor)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	err = svc.Delete(context.Background(), "ghost", adminActor)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
