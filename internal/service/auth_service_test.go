package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	"github.com/noah-isme/academy-enroll-api/pkg/config"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

type fakeUserRepo struct {
	users     map[string]*models.User
	studentID string
	lastLogin *time.Time
	audits    []models.AuditLog
}

func (r *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := r.users[email]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (r *fakeUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *fakeUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	r.lastLogin = &ts
	return nil
}

func (r *fakeUserRepo) FindStudentIDByUser(ctx context.Context, userID string) (string, error) {
	if r.studentID == "" {
		return "", sql.ErrNoRows
	}
	return r.studentID, nil
}

func (r *fakeUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.audits = append(r.audits, *log)
	return nil
}

func newAuthFixture(t *testing.T) (*AuthService, *fakeUserRepo) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &fakeUserRepo{
		users: map[string]*models.User{
			"student@academy.test": {
				ID:           "u1",
				Email:        "student@academy.test",
				PasswordHash: string(hash),
				FullName:     "Test Student",
				Role:         models.RoleStudent,
				Active:       true,
			},
		},
		studentID: "s1",
	}
	cfg := config.JWTConfig{Secret: "test-secret", Expiration: time.Hour, Issuer: "academy-enroll-api"}
	return NewAuthService(repo, cfg, validator.New(), zap.NewNop()), repo
}

func TestLoginIssuesTokenWithStudentClaims(t *testing.T) {
	svc, repo := newAuthFixture(t)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@academy.test", Password: "s3cret", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "u1", res.User.ID)
	assert.NotNil(t, repo.lastLogin)
	require.Len(t, repo.audits, 1)
	assert.Equal(t, models.AuditActionLogin, repo.audits[0].Action)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "s1", claims.StudentID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@academy.test", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "nobody@academy.test", Password: "s3cret"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, repo := newAuthFixture(t)
	repo.users["student@academy.test"].Active = false

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@academy.test", Password: "s3cret"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErrors.FromError(err).Code)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}
