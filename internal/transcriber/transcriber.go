package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/audioscribe/audioscribe-backend/internal/job"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 30 * time.Minute
)

// ProviderError is the provider reporting a terminal error state for a
// submitted transcript, carrying the provider's own detail.
type ProviderError struct {
	Detail string
}

func (e *ProviderError) Error() string {
	return "transcriber: provider reported error: " + e.Detail
}

// Client talks to the transcription provider's REST API. Transcribe looks
// synchronous to callers; internally it submits the audio and polls at a
// fixed interval until the provider reaches a terminal state. The client has
// no retry logic; retries belong to the executor.
type Client struct {
	HTTPClient   *http.Client
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	MaxWait      time.Duration
}

// NewClient returns a client with the default 5s poll interval.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		APIKey:       apiKey,
		PollInterval: defaultPollInterval,
		MaxWait:      defaultMaxWait,
	}
}

type submitRequest struct {
	AudioURL          string `json:"audio_url"`
	SpeakerLabels     bool   `json:"speaker_labels"`
	SentimentAnalysis bool   `json:"sentiment_analysis"`
	AutoChapters      bool   `json:"auto_chapters"`
	Punctuate         bool   `json:"punctuate"`
	FormatText        bool   `json:"format_text"`
}

type utterance struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
}

type sentimentResult struct {
	Text       string  `json:"text"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
}

type chapter struct {
	Summary  string `json:"summary"`
	Headline string `json:"headline"`
	Gist     string `json:"gist"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

type transcript struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Error      string            `json:"error"`
	Utterances []utterance       `json:"utterances"`
	Sentiment  []sentimentResult `json:"sentiment_analysis_results"`
	Chapters   []chapter         `json:"chapters"`
}

// Transcribe submits the audio at sourceURL and blocks until the provider
// reports completed or error, or MaxWait elapses. The returned result has
// ProcessingTime unset; the executor measures that.
func (c *Client) Transcribe(ctx context.Context, sourceURL string, flags job.FeatureFlags) (*job.Result, error) {
	tr, err := c.submit(ctx, sourceURL, flags)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.MaxWait)
	for tr.Status != "completed" && tr.Status != "error" {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transcriber: transcript %s not done after %s", tr.ID, c.MaxWait)
		}
		select {
		case <-time.After(c.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		tr, err = c.poll(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
	}
	if tr.Status == "error" {
		return nil, &ProviderError{Detail: tr.Error}
	}
	return normalize(tr, flags), nil
}

func (c *Client) submit(ctx context.Context, sourceURL string, flags job.FeatureFlags) (*transcript, error) {
	body, err := json.Marshal(submitRequest{
		AudioURL:          sourceURL,
		SpeakerLabels:     flags.Diarization,
		SentimentAnalysis: flags.Sentiment,
		AutoChapters:      flags.Summarization,
		Punctuate:         true,
		FormatText:        true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) poll(ctx context.Context, id string) (*transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/transcript/"+id, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*transcript, error) {
	req.Header.Set("Authorization", c.APIKey)
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("transcriber: provider returned %s", res.Status)
	}
	var tr transcript
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("transcriber: decode response: %w", err)
	}
	return &tr, nil
}

// normalize maps the provider's shape to the job result. Diarization and
// sentiment arrays are omitted entirely, not left empty, when the matching
// flag was off.
func normalize(tr *transcript, flags job.FeatureFlags) *job.Result {
	res := &job.Result{
		Transcript: tr.Text,
		Confidence: tr.Confidence,
	}
	if flags.Diarization && tr.Utterances != nil {
		res.Diarization = make([]job.DiarizationSegment, 0, len(tr.Utterances))
		for _, u := range tr.Utterances {
			res.Diarization = append(res.Diarization, job.DiarizationSegment{
				Speaker:    u.Speaker,
				Text:       u.Text,
				Start:      u.Start,
				End:        u.End,
				Confidence: u.Confidence,
			})
		}
	}
	if flags.Sentiment && tr.Sentiment != nil {
		res.Sentiment = make([]job.SentimentSegment, 0, len(tr.Sentiment))
		for _, s := range tr.Sentiment {
			res.Sentiment = append(res.Sentiment, job.SentimentSegment{
				Text:       s.Text,
				Sentiment:  s.Sentiment,
				Confidence: s.Confidence,
				Start:      s.Start,
				End:        s.End,
			})
		}
	}
	if len(tr.Chapters) > 0 {
		parts := make([]string, 0, len(tr.Chapters))
		for _, ch := range tr.Chapters {
			if ch.Summary != "" {
				parts = append(parts, ch.Summary)
			}
		}
		res.Summary = strings.Join(parts, " ")
	}
	return res
}
