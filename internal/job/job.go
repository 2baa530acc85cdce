package job

import "time"

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether a job in the given status has reached an end
// state; a failed job may still be re-claimed by a retry.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// FeatureFlags selects the provider features requested at submission time.
// All three default to enabled and are immutable once the job exists.
type FeatureFlags struct {
	Diarization   bool `json:"enable_speaker_diarization"`
	Sentiment     bool `json:"enable_sentiment_analysis"`
	Summarization bool `json:"enable_summarization"`
}

// DefaultFlags returns flags with every feature enabled.
func DefaultFlags() FeatureFlags {
	return FeatureFlags{Diarization: true, Sentiment: true, Summarization: true}
}

// DiarizationSegment is one speaker utterance with time bounds in milliseconds.
type DiarizationSegment struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
}

// SentimentSegment labels the sentiment of one stretch of the transcript.
type SentimentSegment struct {
	Text       string  `json:"text"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
}

// Result is the bundle persisted when a job completes. Diarization and
// Sentiment are nil, not empty, when the matching flag was off.
type Result struct {
	Transcript     string               `json:"transcript_text"`
	Confidence     float64              `json:"confidence_score"`
	ProcessingTime float64              `json:"processing_time"`
	Diarization    []DiarizationSegment `json:"speaker_diarization_results,omitempty"`
	Sentiment      []SentimentSegment   `json:"sentiment_analysis_results,omitempty"`
	Summary        string               `json:"summary"`
}

// Job is one transcription request and its lifecycle record.
//
// Exactly one of Result and ErrorMessage is set when Status is terminal,
// neither while pending/processing. StartedAt is set on the first claim and
// never reset by retries; CompletedAt is set on each terminal transition.
type Job struct {
	ID           string       `json:"id"`
	UserID       int64        `json:"user_id"`
	Filename     string       `json:"filename"`
	SourceURL    string       `json:"source_url"`
	Flags        FeatureFlags `json:"flags"`
	Status       string       `json:"status"`
	WorkerHandle string       `json:"worker_handle,omitempty"`
	Attempts     int          `json:"attempts"`
	Result       *Result      `json:"result"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}
