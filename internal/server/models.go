package server

import (
	"time"

	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SubmitRunRequest struct {
	JobInput       string `json:"job_input"`
	TemplateID     string `json:"template_id,omitempty"`
	BudgetOverride bool   `json:"budget_override,omitempty"`
	BreakerToken   string `json:"breaker_token,omitempty"`
}

type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

type FeedbackRequest struct {
	RunID       string            `json:"run_id"`
	Rating      float64           `json:"rating"`
	Preferences *style.Parameters `json:"preferences,omitempty"`
}

type EditsRequest struct {
	ProposalID string `json:"proposal_id"`
	Section    string `json:"section"`
	Draft      string `json:"draft"`
	Edited     string `json:"edited"`
}

type GoldenSamplesRequest struct {
	Samples []GoldenSampleInput `json:"samples"`
}

type GoldenSampleInput struct {
	Content string `json:"content"`
}

type OverrideResponse struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

type HTTPError struct {
	Error string `json:"error"`
}
