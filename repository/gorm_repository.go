package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/mockmate/mockmate/backend/models"
)

// ErrFeedbackExists is returned when a feedback row already exists for the
// interview. The unique index on interview_id is the enforcing constraint;
// this sentinel is its translation at the repository boundary.
var ErrFeedbackExists = errors.New("feedback already exists for interview")

// ErrFeedbackMismatch is returned when a regeneration names a feedback row
// that does not exist, or one owned by a different user.
var ErrFeedbackMismatch = errors.New("feedback does not match the requested row")

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.Interview{},
		&models.Feedback{},
	)
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

// Token operations
func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := r.db.WithContext(ctx).Where("token = ?", token).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) DeleteAllUserTokens(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete user refresh tokens", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// Interview operations
func (r *GORMRepository) CreateInterview(ctx context.Context, interview *models.Interview) error {
	if err := r.db.WithContext(ctx).Create(interview).Error; err != nil {
		slog.Error("Failed to create interview", "error", err)
		return err
	}
	slog.Info("Interview created", "interview_id", interview.ID, "user_id", interview.UserID, "role", interview.Role)
	return nil
}

func (r *GORMRepository) GetInterviewByID(ctx context.Context, id string) (*models.Interview, error) {
	var interview models.Interview
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&interview).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get interview by ID", "error", err, "interview_id", id)
		return nil, err
	}
	return &interview, nil
}

func (r *GORMRepository) GetInterviewsByUserID(ctx context.Context, userID string) ([]models.Interview, error) {
	var interviews []models.Interview
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&interviews).Error
	if err != nil {
		slog.Error("Failed to get interviews", "error", err, "user_id", userID)
		return nil, err
	}
	return interviews, nil
}

// GetLatestInterviews returns finalized interviews created by other users,
// newest first, for the community listing.
func (r *GORMRepository) GetLatestInterviews(ctx context.Context, userID string, limit int) ([]models.Interview, error) {
	if limit <= 0 {
		limit = 20
	}
	var interviews []models.Interview
	err := r.db.WithContext(ctx).
		Where("finalized = ? AND user_id <> ?", true, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&interviews).Error
	if err != nil {
		slog.Error("Failed to get latest interviews", "error", err, "user_id", userID)
		return nil, err
	}
	return interviews, nil
}

// SetInterviewFinalized toggles the finalized flag; the only mutation an
// interview row ever receives.
func (r *GORMRepository) SetInterviewFinalized(ctx context.Context, interviewID string, finalized bool) error {
	result := r.db.WithContext(ctx).
		Model(&models.Interview{}).
		Where("id = ?", interviewID).
		Update("finalized", finalized)
	if result.Error != nil {
		slog.Error("Failed to update interview", "error", result.Error, "interview_id", interviewID)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	slog.Info("Interview updated", "interview_id", interviewID, "finalized", finalized)
	return nil
}

// Feedback operations
func (r *GORMRepository) CreateFeedback(ctx context.Context, feedback *models.Feedback) error {
	if err := r.db.WithContext(ctx).Create(feedback).Error; err != nil {
		if isUniqueViolation(err) {
			slog.Warn("Duplicate feedback rejected", "interview_id", feedback.InterviewID)
			return ErrFeedbackExists
		}
		slog.Error("Failed to create feedback", "error", err)
		return err
	}
	slog.Info("Feedback created", "feedback_id", feedback.ID, "interview_id", feedback.InterviewID)
	return nil
}

// ReplaceFeedback overwrites the feedback row named by feedback.ID, keeping
// its row identity. Used by the explicit regeneration path. The named row
// must exist for the interview and belong to the same user; anything else is
// ErrFeedbackMismatch, never a blind overwrite.
func (r *GORMRepository) ReplaceFeedback(ctx context.Context, feedback *models.Feedback) error {
	var existing models.Feedback
	err := r.db.WithContext(ctx).Where("interview_id = ?", feedback.InterviewID).First(&existing).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			slog.Warn("Regeneration names a missing feedback row", "interview_id", feedback.InterviewID, "feedback_id", feedback.ID)
			return ErrFeedbackMismatch
		}
		slog.Error("Failed to look up feedback for replacement", "error", err, "interview_id", feedback.InterviewID)
		return err
	}
	if existing.ID != feedback.ID || existing.UserID != feedback.UserID {
		slog.Warn("Regeneration rejected for foreign feedback row",
			"interview_id", feedback.InterviewID,
			"feedback_id", feedback.ID,
			"user_id", feedback.UserID)
		return ErrFeedbackMismatch
	}

	feedback.CreatedAt = existing.CreatedAt
	if err := r.db.WithContext(ctx).Save(feedback).Error; err != nil {
		slog.Error("Failed to replace feedback", "error", err, "feedback_id", existing.ID)
		return err
	}
	slog.Info("Feedback replaced", "feedback_id", feedback.ID, "interview_id", feedback.InterviewID)
	return nil
}

// GetFeedbackByInterviewAndUser filters by both identifiers; this is the
// access-control mechanism for feedback visibility.
func (r *GORMRepository) GetFeedbackByInterviewAndUser(ctx context.Context, interviewID, userID string) (*models.Feedback, error) {
	var feedback models.Feedback
	err := r.db.WithContext(ctx).
		Where("interview_id = ? AND user_id = ?", interviewID, userID).
		First(&feedback).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get feedback", "error", err, "interview_id", interviewID, "user_id", userID)
		return nil, err
	}
	return &feedback, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation from
// postgres (SQLSTATE 23505) or the sqlite driver used in tests.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
