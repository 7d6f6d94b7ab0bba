package services

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mockmate/mockmate/backend/models"
	"github.com/mockmate/mockmate/backend/repository"
	"github.com/mockmate/mockmate/backend/session"
)

type InterviewEndpoints struct {
	repo            *repository.GORMRepository
	feedbackService *FeedbackService
	validate        *validator.Validate
}

func NewInterviewEndpoints(repo *repository.GORMRepository, feedbackService *FeedbackService) *InterviewEndpoints {
	return &InterviewEndpoints{
		repo:            repo,
		feedbackService: feedbackService,
		validate:        validator.New(),
	}
}

type CreateInterviewRequest struct {
	Role      string   `json:"role" validate:"required"`
	Level     string   `json:"level" validate:"required"`
	Type      string   `json:"type" validate:"required,oneof=TECHNICAL BEHAVIORAL MIXED"`
	Questions []string `json:"questions" validate:"required,min=1"`
	Techstack []string `json:"techstack"`
	Finalized bool     `json:"finalized"`
}

type transcriptTurnPayload struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

type GenerateFeedbackRequest struct {
	Transcript []transcriptTurnPayload `json:"transcript" validate:"required,min=1,dive"`
	FeedbackID string                  `json:"feedback_id"`
}

// GenerateFeedbackResponse is the generator's output contract: a success
// flag and, on success, the feedback identifier. Every failure collapses to
// success=false with no detail.
type GenerateFeedbackResponse struct {
	Success    bool   `json:"success"`
	FeedbackID string `json:"feedback_id,omitempty"`
}

func (e *InterviewEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/interviews", func(r chi.Router) {
		r.Post("/", e.CreateInterviewHandler)
		r.Get("/", e.GetInterviewsHandler)
		r.Get("/latest", e.GetLatestInterviewsHandler)
		r.Get("/{id}", e.GetInterviewHandler)
		r.Get("/{id}/feedback", e.GetFeedbackHandler)
		r.Post("/{id}/feedback", e.GenerateFeedbackHandler)
	})
}

func (e *InterviewEndpoints) CreateInterviewHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	var req CreateInterviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := e.validate.Struct(req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	interview := models.Interview{
		UserID:    user.ID,
		Role:      req.Role,
		Level:     req.Level,
		Type:      req.Type,
		Questions: req.Questions,
		Techstack: req.Techstack,
		Finalized: req.Finalized,
	}

	if err := e.repo.CreateInterview(r.Context(), &interview); err != nil {
		slog.Error("Failed to create interview", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to create interview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"interview": interview,
		"message":   "Interview created successfully",
	})
}

func (e *InterviewEndpoints) GetInterviewsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	interviews, err := e.repo.GetInterviewsByUserID(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to get interviews", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to get interviews", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"interviews": interviews,
		"count":      len(interviews),
	})
}

// GetLatestInterviewsHandler lists other users' finalized interviews for the
// community section of the dashboard.
func (e *InterviewEndpoints) GetLatestInterviewsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	interviews, err := e.repo.GetLatestInterviews(r.Context(), user.ID, limit)
	if err != nil {
		slog.Error("Failed to get latest interviews", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to get interviews", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"interviews": interviews,
		"count":      len(interviews),
	})
}

func (e *InterviewEndpoints) GetInterviewHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	interview := e.loadVisibleInterview(w, r, user.ID)
	if interview == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"interview": interview,
	})
}

func (e *InterviewEndpoints) GetFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	interviewID := chi.URLParam(r, "id")
	if interviewID == "" {
		http.Error(w, "Interview ID is required", http.StatusBadRequest)
		return
	}

	// Filtering by both identifiers is the access-control mechanism: a user
	// can never read feedback generated for someone else's session.
	feedback, err := e.repo.GetFeedbackByInterviewAndUser(r.Context(), interviewID, user.ID)
	if err != nil {
		slog.Error("Failed to get feedback", "error", err, "interview_id", interviewID, "user_id", user.ID)
		http.Error(w, "Failed to get feedback", http.StatusInternalServerError)
		return
	}
	if feedback == nil {
		http.Error(w, "Feedback not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"feedback": feedback,
	})
}

func (e *InterviewEndpoints) GenerateFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return
	}

	interview := e.loadVisibleInterview(w, r, user.ID)
	if interview == nil {
		return
	}

	var req GenerateFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := e.validate.Struct(req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	turns := make([]session.Turn, 0, len(req.Transcript))
	for _, t := range req.Transcript {
		turns = append(turns, session.Turn{Role: t.Role, Content: t.Content})
	}

	feedbackID, err := e.feedbackService.CreateFeedback(r.Context(), CreateFeedbackParams{
		InterviewID: interview.ID,
		UserID:      user.ID,
		Transcript:  turns,
		FeedbackID:  req.FeedbackID,
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// The caller treats every pipeline failure the same way, so no
		// detail is surfaced beyond the flag.
		slog.Error("Feedback generation failed", "error", err, "interview_id", interview.ID, "user_id", user.ID)
		json.NewEncoder(w).Encode(GenerateFeedbackResponse{Success: false})
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(GenerateFeedbackResponse{Success: true, FeedbackID: feedbackID})
}

// loadVisibleInterview fetches the interview and checks visibility: the
// owner always sees it, everyone else only once it is finalized. Writes the
// error response and returns nil when not visible.
func (e *InterviewEndpoints) loadVisibleInterview(w http.ResponseWriter, r *http.Request, userID string) *models.Interview {
	interviewID := chi.URLParam(r, "id")
	if interviewID == "" {
		http.Error(w, "Interview ID is required", http.StatusBadRequest)
		return nil
	}

	interview, err := e.repo.GetInterviewByID(r.Context(), interviewID)
	if err != nil {
		slog.Error("Failed to get interview", "error", err, "interview_id", interviewID)
		http.Error(w, "Failed to get interview", http.StatusInternalServerError)
		return nil
	}
	if interview == nil || (interview.UserID != userID && !interview.Finalized) {
		http.Error(w, "Interview not found", http.StatusNotFound)
		return nil
	}
	return interview
}
