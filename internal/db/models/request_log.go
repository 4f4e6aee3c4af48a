package models

// RequestLog is an audit record of one fulfilled (or failed) request.
// Prompt and response are truncated and secret-scrubbed before insert;
// nothing reads these rows on the control plane.
type RequestLog struct {
	ID                string `gorm:"primaryKey" json:"id"`
	Timestamp         int64  `gorm:"index" json:"timestamp"`
	AccountEmail      string `gorm:"index" json:"account_email,omitempty"`
	Model             string `gorm:"index" json:"model,omitempty"`
	Prompt            string `gorm:"type:text" json:"prompt,omitempty"`
	Response          string `gorm:"type:text" json:"response,omitempty"`
	SystemInstruction string `gorm:"type:text" json:"system_instruction,omitempty"`
	TotalTokens       int    `json:"total_tokens,omitempty"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
}

// RequestStats holds aggregated statistics for request logs
type RequestStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
	TotalTokens   int64 `json:"total_tokens"`
}
