package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/mockmate/mockmate/backend/models"
	"github.com/mockmate/mockmate/backend/repository"
	"github.com/mockmate/mockmate/backend/session"
)

// The five fixed rubric categories, in prompt order. The model is instructed
// not to add categories and responses naming anything else are rejected.
const (
	CategoryCommunication  = "Communication Skills"
	CategoryTechnical      = "Technical Knowledge"
	CategoryProblemSolving = "Problem-Solving"
	CategoryCulturalFit    = "Cultural & Role Fit"
	CategoryConfidence     = "Confidence & Clarity"
)

var RubricCategories = []string{
	CategoryCommunication,
	CategoryTechnical,
	CategoryProblemSolving,
	CategoryCulturalFit,
	CategoryConfidence,
}

const generationLockTTL = 2 * time.Minute

// FeedbackService formats a session transcript into the scoring prompt,
// invokes the model with a fixed structured-output schema, and persists the
// result. All failures collapse to an error the caller treats uniformly as
// "feedback unavailable".
type FeedbackService struct {
	repo        *repository.GORMRepository
	redisClient *redis.Client // optional cross-instance generation guard
	model       string

	// generate invokes the hosted model. Overridable so tests can run the
	// pipeline without network access.
	generate func(ctx context.Context, prompt string) (string, error)

	genaiClient *genai.Client
	mu          sync.Mutex
	inFlight    map[string]bool // interview ID -> generation running
}

// CreateFeedbackParams is the input contract of the generator.
type CreateFeedbackParams struct {
	InterviewID string
	UserID      string
	Transcript  []session.Turn
	FeedbackID  string // optional: set for regeneration, replaces in place
}

// feedbackObject mirrors the structured response schema.
type feedbackObject struct {
	TotalScore     float64 `json:"totalScore"`
	CategoryScores []struct {
		Name    string  `json:"name"`
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	} `json:"categoryScores"`
	Strengths           []string `json:"strengths"`
	AreasForImprovement []string `json:"areasForImprovement"`
	FinalAssessment     string   `json:"finalAssessment"`
}

func NewFeedbackService(apiKey, model string, repo *repository.GORMRepository, redisClient *redis.Client) *FeedbackService {
	s := &FeedbackService{
		repo:        repo,
		redisClient: redisClient,
		model:       model,
		inFlight:    make(map[string]bool),
	}

	genaiClient, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		slog.Error("Failed to create genai client", "error", err)
		return nil
	}
	s.genaiClient = genaiClient
	s.generate = s.generateStructured
	return s
}

// CreateFeedback runs the full pipeline and returns the persisted feedback
// ID. Duplicate triggers for the same interview are rejected while a
// generation is in flight; the unique index on interview_id is the final
// arbiter against races across instances. A non-empty FeedbackID regenerates
// in place and is only honored when it names the caller's own row.
func (s *FeedbackService) CreateFeedback(ctx context.Context, params CreateFeedbackParams) (string, error) {
	if len(params.Transcript) == 0 {
		feedbackFailed.WithLabelValues("input").Inc()
		return "", fmt.Errorf("empty transcript for interview %s", params.InterviewID)
	}

	release, err := s.acquireGenerationLock(ctx, params.InterviewID)
	if err != nil {
		feedbackFailed.WithLabelValues("lock").Inc()
		return "", err
	}
	defer release()

	// A regeneration must name the caller's own existing row. Checked before
	// the model call so a bad id costs nothing.
	if params.FeedbackID != "" {
		existing, err := s.repo.GetFeedbackByInterviewAndUser(ctx, params.InterviewID, params.UserID)
		if err != nil {
			feedbackFailed.WithLabelValues("input").Inc()
			return "", fmt.Errorf("failed to resolve feedback for regeneration: %w", err)
		}
		if existing == nil || existing.ID != params.FeedbackID {
			feedbackFailed.WithLabelValues("input").Inc()
			slog.Warn("Regeneration rejected",
				"interview_id", params.InterviewID,
				"user_id", params.UserID,
				"feedback_id", params.FeedbackID)
			return "", fmt.Errorf("feedback %s: %w", params.FeedbackID, repository.ErrFeedbackMismatch)
		}
	}

	start := time.Now()

	prompt := BuildFeedbackPrompt(FormatTranscript(params.Transcript))
	raw, err := s.generate(ctx, prompt)
	if err != nil {
		feedbackFailed.WithLabelValues("model").Inc()
		slog.Error("Model call failed", "error", err, "interview_id", params.InterviewID)
		return "", fmt.Errorf("failed to generate feedback: %w", err)
	}

	object, err := ParseFeedbackObject(raw)
	if err != nil {
		feedbackFailed.WithLabelValues("schema").Inc()
		slog.Error("Model response rejected", "error", err, "interview_id", params.InterviewID)
		return "", fmt.Errorf("invalid feedback object: %w", err)
	}

	feedback := &models.Feedback{
		InterviewID:         params.InterviewID,
		UserID:              params.UserID,
		TotalScore:          object.TotalScore,
		Strengths:           object.Strengths,
		AreasForImprovement: object.AreasForImprovement,
		FinalAssessment:     object.FinalAssessment,
	}
	for _, cs := range object.CategoryScores {
		feedback.CategoryScores = append(feedback.CategoryScores, models.CategoryScore{
			Name:    cs.Name,
			Score:   cs.Score,
			Comment: cs.Comment,
		})
	}

	if params.FeedbackID != "" {
		feedback.ID = params.FeedbackID
		err = s.repo.ReplaceFeedback(ctx, feedback)
	} else {
		err = s.repo.CreateFeedback(ctx, feedback)
	}
	if err != nil {
		feedbackFailed.WithLabelValues("persistence").Inc()
		return "", fmt.Errorf("failed to persist feedback: %w", err)
	}

	feedbackGenerated.Inc()
	feedbackDuration.Observe(time.Since(start).Seconds())
	slog.Info("Feedback generated",
		"interview_id", params.InterviewID,
		"feedback_id", feedback.ID,
		"total_score", feedback.TotalScore,
		"turns", len(params.Transcript))
	return feedback.ID, nil
}

// acquireGenerationLock takes the per-interview guard: Redis SETNX when
// configured, the in-process map otherwise.
func (s *FeedbackService) acquireGenerationLock(ctx context.Context, interviewID string) (func(), error) {
	if s.redisClient != nil {
		key := "feedback:generating:" + interviewID
		acquired, err := s.redisClient.SetNX(ctx, key, "1", generationLockTTL).Result()
		if err != nil {
			slog.Error("Failed to acquire generation lock", "error", err, "interview_id", interviewID)
			return nil, fmt.Errorf("failed to acquire generation lock: %w", err)
		}
		if !acquired {
			return nil, fmt.Errorf("feedback generation already in flight for interview %s", interviewID)
		}
		return func() {
			if err := s.redisClient.Del(context.Background(), key).Err(); err != nil {
				slog.Warn("Failed to release generation lock", "error", err, "interview_id", interviewID)
			}
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[interviewID] {
		return nil, fmt.Errorf("feedback generation already in flight for interview %s", interviewID)
	}
	s.inFlight[interviewID] = true
	return func() {
		s.mu.Lock()
		delete(s.inFlight, interviewID)
		s.mu.Unlock()
	}, nil
}

// generateStructured calls the model with a response schema matching
// feedbackObject and returns the raw JSON text.
func (s *FeedbackService) generateStructured(ctx context.Context, prompt string) (string, error) {
	if s.genaiClient == nil {
		return "", fmt.Errorf("genai client not initialized")
	}

	categoryScoreSchema := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name":    {Type: genai.TypeString},
			"score":   {Type: genai.TypeNumber},
			"comment": {Type: genai.TypeString},
		},
		Required: []string{"name", "score", "comment"},
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(
			"You are a professional interviewer analyzing a mock interview. Your task is to evaluate the candidate based on structured categories",
			genai.RoleUser,
		),
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"totalScore": {Type: genai.TypeNumber},
				"categoryScores": {
					Type:  genai.TypeArray,
					Items: categoryScoreSchema,
				},
				"strengths": {
					Type:  genai.TypeArray,
					Items: &genai.Schema{Type: genai.TypeString},
				},
				"areasForImprovement": {
					Type:  genai.TypeArray,
					Items: &genai.Schema{Type: genai.TypeString},
				},
				"finalAssessment": {Type: genai.TypeString},
			},
			Required: []string{"totalScore", "categoryScores", "strengths", "areasForImprovement", "finalAssessment"},
		},
	}

	result, err := s.genaiClient.Models.GenerateContent(
		ctx,
		s.model,
		genai.Text(prompt),
		config,
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	return result.Text(), nil
}

// FormatTranscript flattens the ordered turns into one text block, one line
// per turn, `- <role>: <content>`, nothing dropped or reordered.
func FormatTranscript(turns []session.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", turn.Role, turn.Content))
	}
	return sb.String()
}

// BuildFeedbackPrompt embeds the flattened transcript into the fixed
// instructional prompt with the five-category rubric.
func BuildFeedbackPrompt(formattedTranscript string) string {
	return fmt.Sprintf(`You are an AI interviewer analyzing a mock interview. Your task is to evaluate the candidate based on structured categories. Be thorough and detailed in your analysis. Don't be lenient with the candidate. If there are mistakes or areas for improvement, point them out.
Transcript:
%s

Please score the candidate from 0 to 100 in the following areas. Do not add categories other than the ones provided:
- **Communication Skills**: Clarity, articulation, structured responses.
- **Technical Knowledge**: Understanding of key concepts for the role.
- **Problem-Solving**: Ability to analyze problems and propose solutions.
- **Cultural & Role Fit**: Alignment with company values and job role.
- **Confidence & Clarity**: Confidence in responses, engagement, and clarity.
`, formattedTranscript)
}

// ParseFeedbackObject decodes and validates the model response: exactly the
// five rubric categories, every score within [0, 100].
func ParseFeedbackObject(raw string) (*feedbackObject, error) {
	var object feedbackObject
	if err := json.Unmarshal([]byte(raw), &object); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if object.TotalScore < 0 || object.TotalScore > 100 {
		return nil, fmt.Errorf("total score %.2f out of range", object.TotalScore)
	}

	if len(object.CategoryScores) != len(RubricCategories) {
		return nil, fmt.Errorf("expected %d category scores, got %d", len(RubricCategories), len(object.CategoryScores))
	}
	seen := make(map[string]bool, len(RubricCategories))
	for _, cs := range object.CategoryScores {
		if !isRubricCategory(cs.Name) {
			return nil, fmt.Errorf("unknown category %q", cs.Name)
		}
		if seen[cs.Name] {
			return nil, fmt.Errorf("duplicate category %q", cs.Name)
		}
		seen[cs.Name] = true
		if cs.Score < 0 || cs.Score > 100 {
			return nil, fmt.Errorf("category %q score %.2f out of range", cs.Name, cs.Score)
		}
	}

	if object.FinalAssessment == "" {
		object.FinalAssessment = "No assessment provided"
	}
	return &object, nil
}

func isRubricCategory(name string) bool {
	for _, c := range RubricCategories {
		if c == name {
			return true
		}
	}
	return false
}
