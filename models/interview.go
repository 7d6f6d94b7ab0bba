package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Interview type values
const (
	InterviewTypeTechnical  = "TECHNICAL"
	InterviewTypeBehavioral = "BEHAVIORAL"
	InterviewTypeMixed      = "MIXED"
)

// Interview represents one generated interview: the role, level, and question
// list a candidate practices against. Read-mostly after creation; only the
// finalized flag and updated_at are ever mutated.
type Interview struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string         `gorm:"type:uuid;not null;index" json:"user_id"`
	Role      string         `gorm:"size:255;not null" json:"role"`
	Level     string         `gorm:"size:50;not null" json:"level"` // junior, mid, senior, executive
	Type      string         `gorm:"size:50;not null;check:type IN ('TECHNICAL', 'BEHAVIORAL', 'MIXED')" json:"type"`
	Questions []string       `gorm:"serializer:json;type:text" json:"questions"`
	Techstack []string       `gorm:"serializer:json;type:text" json:"techstack"`
	Finalized bool           `gorm:"default:false" json:"finalized"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	User     User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Feedback *Feedback `gorm:"foreignKey:InterviewID" json:"feedback,omitempty"`
}

// BeforeCreate hook to set the ID if not provided
func (i *Interview) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// CategoryScore is one entry of the fixed five-category rubric
type CategoryScore struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"` // 0 to 100
	Comment string  `json:"comment"`
}

// Feedback stores the structured AI assessment of a completed practice
// session. The unique index on interview_id enforces at most one feedback
// row per interview; regeneration replaces the row in place.
type Feedback struct {
	ID                  string          `gorm:"type:uuid;primaryKey" json:"id"`
	InterviewID         string          `gorm:"type:uuid;not null;uniqueIndex" json:"interview_id"`
	UserID              string          `gorm:"type:uuid;not null;index" json:"user_id"`
	TotalScore          float64         `gorm:"type:decimal(5,2);not null" json:"total_score"` // 0.00 to 100.00
	CategoryScores      []CategoryScore `gorm:"serializer:json;type:text" json:"category_scores"`
	Strengths           []string        `gorm:"serializer:json;type:text" json:"strengths"`
	AreasForImprovement []string        `gorm:"serializer:json;type:text" json:"areas_for_improvement"`
	FinalAssessment     string          `gorm:"type:text" json:"final_assessment"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeletedAt           gorm.DeletedAt  `gorm:"index" json:"-"`

	// Relationships
	Interview Interview `gorm:"foreignKey:InterviewID" json:"interview,omitempty"`
	User      User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// BeforeCreate hook to set the ID if not provided
func (f *Feedback) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}
