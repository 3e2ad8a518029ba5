package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

const defaultUserPageSize = 20

// UserService manages the student, tutor and staff directory. Every write is
// audited.
type UserService struct {
	repo       userRepository
	validator  *validator.Validate
	logger     *zap.Logger
	bcryptCost int
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, validator: validate, logger: logger, bcryptCost: bcrypt.DefaultCost}
}

// List returns one page of users.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = defaultUserPageSize
	}
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list users")
	}
	if users == nil {
		users = []models.User{}
	}
	return users, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	return s.load(ctx, id)
}

// Create registers a user. Attributes that do not apply to the chosen role
// are dropped.
func (s *UserService) Create(ctx context.Context, req dto.CreateUserRequest, actor models.AuditActor) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid create user payload")
	}
	role, err := models.ParseUserRole(req.Role)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	switch _, err := s.repo.FindByEmail(ctx, email); {
	case err == nil:
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already exists")
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Internal(err, "failed to check email uniqueness")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(req.FullName),
		Role:         role,
		Department:   strings.TrimSpace(req.Department),
		StudentCode:  req.StudentCode,
		TutorCode:    req.TutorCode,
		Year:         req.Year,
		GPA:          req.GPA,
		Expertise:    pq.StringArray(req.Expertise),
		Active:       true,
	}
	scrubRoleFields(user)

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Internal(err, "failed to create user")
	}
	s.audit(ctx, actor.Entry(models.AuditActionUserCreate, "users", user.ID, nil, auditView(user)))
	return user, nil
}

// Update applies the non-nil fields of req.
func (s *UserService) Update(ctx context.Context, id string, req dto.UpdateUserRequest, actor models.AuditActor) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid update payload")
	}
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before := auditView(user)

	if req.Role != nil {
		role, err := models.ParseUserRole(*req.Role)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
		}
		user.Role = role
	}
	if req.Active != nil {
		if !*req.Active && id == actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrValidation, "cannot deactivate your own account")
		}
		user.Active = *req.Active
	}
	setTrimmed(&user.FullName, req.FullName)
	setTrimmed(&user.Department, req.Department)
	if req.StudentCode != nil {
		user.StudentCode = req.StudentCode
	}
	if req.TutorCode != nil {
		user.TutorCode = req.TutorCode
	}
	if req.Year != nil {
		user.Year = req.Year
	}
	if req.GPA != nil {
		user.GPA = req.GPA
	}
	if req.Expertise != nil {
		user.Expertise = pq.StringArray(req.Expertise)
	}
	scrubRoleFields(user)

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, appErrors.Internal(err, "failed to update user")
	}
	s.audit(ctx, actor.Entry(models.AuditActionUserUpdate, "users", user.ID, before, auditView(user)))
	return user, nil
}

// Delete deactivates a user. Their sessions and materials stay in place.
func (s *UserService) Delete(ctx context.Context, id string, actor models.AuditActor) error {
	if id == actor.UserID {
		return appErrors.Clone(appErrors.ErrValidation, "cannot deactivate your own account")
	}
	user, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Internal(err, "failed to delete user")
	}
	s.audit(ctx, actor.Entry(models.AuditActionUserDelete, "users", user.ID,
		map[string]interface{}{"active": user.Active}, map[string]interface{}{"active": false}))
	return nil
}

func (s *UserService) load(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	return user, nil
}

func (s *UserService) audit(ctx context.Context, entry *models.AuditLog) {
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

// auditView is the subset of a user recorded in audit rows.
func auditView(u *models.User) map[string]interface{} {
	return map[string]interface{}{"email": u.Email, "role": u.Role, "department": u.Department, "active": u.Active}
}

func setTrimmed(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

// scrubRoleFields clears attributes owned by other roles.
func scrubRoleFields(user *models.User) {
	if user.Role != models.RoleStudent {
		user.StudentCode, user.Year, user.GPA = nil, nil, nil
	}
	if user.Role != models.RoleTutor || user.Expertise == nil {
		user.Expertise = pq.StringArray{}
	}
	if user.Role != models.RoleTutor {
		user.TutorCode = nil
	}
}
