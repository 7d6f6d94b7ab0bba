package models

// This file serves as the central export point for all database models
// Import this package to access all model types

// Database schema overview:
// 1. users - Managed by cookie-based authentication
// 2. refresh_tokens - Hashed refresh tokens for session renewal
// 3. interviews - One row per generated interview, owned by a user
// 4. feedbacks - AI-generated assessment of a completed practice session,
//    at most one per interview (unique index on interview_id)
