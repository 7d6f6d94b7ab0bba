package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockmate_sessions_started_total",
		Help: "Voice interview sessions started, by mode.",
	}, []string{"mode"})

	sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockmate_sessions_finished_total",
		Help: "Voice interview sessions reaching the terminal state, by mode.",
	}, []string{"mode"})

	feedbackGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mockmate_feedback_generated_total",
		Help: "Feedback records successfully generated and persisted.",
	})

	feedbackFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockmate_feedback_failed_total",
		Help: "Feedback generation failures, by stage.",
	}, []string{"stage"})

	feedbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mockmate_feedback_duration_seconds",
		Help:    "Wall time of the feedback pipeline, model call included.",
		Buckets: prometheus.DefBuckets,
	})
)
