package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

const (
	DefaultCallTimeout   = 15 * time.Second
	defaultQuestionCount = 5
)

// QuizClient asks the AI API to generate a quiz for a course topic.
type QuizClient struct {
	url    string
	client *http.Client
}

var _ Dispatcher = (*QuizClient)(nil)

func NewQuizClient(url string, timeout time.Duration) *QuizClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &QuizClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type quizRequest struct {
	CourseID      string `json:"courseId,omitempty"`
	Topic         string `json:"topic"`
	QuestionCount int    `json:"questionCount"`
	Difficulty    string `json:"difficulty,omitempty"`
	Campaign      string `json:"campaign,omitempty"`
}

type quizResponse struct {
	QuizID string `json:"quizId"`
}

func (c *QuizClient) Kind() models.JobKind {
	return models.KindQuiz
}

func (c *QuizClient) NeedsCredential() bool {
	return true
}

func (c *QuizClient) Dispatch(ctx context.Context, cred *models.Credential, job models.Job, def *models.CampaignDefinition) error {
	if cred == nil {
		return dispatcherr.Permanentf("quiz job %s needs a credential", job.ID)
	}

	var p models.QuizPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return dispatcherr.Permanentf("malformed quiz payload: %v", err)
	}
	if strings.TrimSpace(p.Topic) == "" {
		return dispatcherr.Permanentf("quiz payload has no topic")
	}
	if p.QuestionCount <= 0 {
		p.QuestionCount = defaultQuestionCount
	}

	reqBody, err := json.Marshal(quizRequest{
		CourseID:      p.CourseID,
		Topic:         p.Topic,
		QuestionCount: p.QuestionCount,
		Difficulty:    p.Difficulty,
		Campaign:      job.CampaignRef,
	})
	if err != nil {
		return dispatcherr.Permanent(0, err)
	}

	_, err = c.Generate(ctx, cred.Secret, reqBody)
	return err
}

// Generate posts body to the API and returns the generated quiz id.
func (c *QuizClient) Generate(ctx context.Context, secret string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", dispatcherr.Permanent(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.client.Do(req)
	if err != nil {
		if dispatcherr.IsTimeout(err) {
			return "", dispatcherr.Transient(0, fmt.Errorf("quiz api timeout: %w", err))
		}
		return "", dispatcherr.Transient(0, fmt.Errorf("quiz api request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", dispatcherr.FromStatus(resp.StatusCode,
			fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(respBody)))
	}

	var qr quizResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return "", dispatcherr.Transient(resp.StatusCode,
			fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody)))
	}
	if qr.QuizID == "" {
		return "", dispatcherr.Transient(resp.StatusCode,
			fmt.Errorf("missing quizId in response body=%q", string(respBody)))
	}

	return qr.QuizID, nil
}
