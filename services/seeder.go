package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/mockmate/mockmate/backend/models"
	"github.com/mockmate/mockmate/backend/repository"
)

// DatabaseSeeder handles database seeding operations
type DatabaseSeeder struct {
	repo *repository.GORMRepository
}

// NewDatabaseSeeder creates a new database seeder
func NewDatabaseSeeder(repo *repository.GORMRepository) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo}
}

// SeedDatabase seeds the database with initial data (idempotent)
func (s *DatabaseSeeder) SeedDatabase() error {
	ctx := context.Background()

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	users := []models.User{
		{
			Email:    "test@example.com",
			Password: string(hashedPassword),
			FullName: "Test User",
			Role:     "user",
		},
		{
			Email:    "demo@example.com",
			Password: string(hashedPassword),
			FullName: "Demo User",
			Role:     "user",
		},
	}

	for _, user := range users {
		if err := s.seedUser(ctx, user); err != nil {
			slog.Error("Failed to seed user", "email", user.Email, "error", err)
		}
	}

	demoUser, err := s.repo.GetUserByEmail(ctx, "demo@example.com")
	if err != nil {
		return fmt.Errorf("failed to get demo user: %w", err)
	}
	if demoUser == nil {
		return fmt.Errorf("demo user not found")
	}

	// Finalized interviews owned by the demo user show up in other users'
	// community listings.
	sampleInterviews := []models.Interview{
		{
			UserID:    demoUser.ID,
			Role:      "Frontend Developer",
			Level:     "Junior",
			Type:      models.InterviewTypeTechnical,
			Techstack: []string{"React", "TypeScript", "CSS"},
			Questions: []string{
				"What is the virtual DOM and why does React use it?",
				"How do you manage component state in a large application?",
				"Explain the difference between controlled and uncontrolled components.",
			},
			Finalized: true,
		},
		{
			UserID:    demoUser.ID,
			Role:      "Backend Engineer",
			Level:     "Senior",
			Type:      models.InterviewTypeMixed,
			Techstack: []string{"Go", "PostgreSQL", "Redis"},
			Questions: []string{
				"Walk me through how you would design a rate limiter.",
				"Tell me about a production incident you handled and what you learned.",
				"How do you decide between a relational database and a key-value store?",
			},
			Finalized: true,
		},
		{
			UserID:    demoUser.ID,
			Role:      "Product Manager",
			Level:     "Mid",
			Type:      models.InterviewTypeBehavioral,
			Techstack: []string{"Roadmapping", "Analytics"},
			Questions: []string{
				"Describe a time you had to say no to a stakeholder.",
				"How do you prioritize competing feature requests?",
			},
			Finalized: true,
		},
	}

	for _, interview := range sampleInterviews {
		if err := s.seedInterview(ctx, interview); err != nil {
			slog.Error("Failed to seed interview", "role", interview.Role, "error", err)
		}
	}

	slog.Info("Database seeding completed successfully")
	return nil
}

// seedUser seeds a single user (idempotent)
func (s *DatabaseSeeder) seedUser(ctx context.Context, user models.User) error {
	existingUser, err := s.repo.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("error checking user %s: %w", user.Email, err)
	}

	if existingUser != nil {
		slog.Info("User already exists, skipping", "email", user.Email)
		return nil
	}

	if err := s.repo.CreateUser(ctx, &user); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.Email, err)
	}

	slog.Info("Created user", "email", user.Email)
	return nil
}

// seedInterview seeds a single interview, matching on owner plus role (idempotent)
func (s *DatabaseSeeder) seedInterview(ctx context.Context, interview models.Interview) error {
	existing, err := s.repo.GetInterviewsByUserID(ctx, interview.UserID)
	if err != nil {
		return fmt.Errorf("error checking interviews: %w", err)
	}

	for _, e := range existing {
		if e.Role == interview.Role && e.Level == interview.Level {
			slog.Info("Interview already exists, skipping", "role", interview.Role)
			return nil
		}
	}

	if err := s.repo.CreateInterview(ctx, &interview); err != nil {
		return fmt.Errorf("failed to create interview %s: %w", interview.Role, err)
	}

	slog.Info("Created interview", "role", interview.Role, "type", interview.Type)
	return nil
}
