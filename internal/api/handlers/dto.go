// dto.go — JSON-представления ресурсов API (схемы из openapi.yaml).
package handlers

import (
	"encoding/json"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/service"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Credits   int    `json:"credits"`
	CreatedAt string `json:"created_at"`
}

type uploadResponse struct {
	ID        string `json:"id"`
	FileName  string `json:"file_name"`
	S3Key     string `json:"s3_key"`
	Language  string `json:"language"`
	Status    string `json:"status"`
	Uploaded  bool   `json:"uploaded"`
	ClipCount int    `json:"clip_count"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type clipResponse struct {
	ID           string   `json:"id"`
	UploadID     string   `json:"upload_id"`
	S3Key        string   `json:"s3_key"`
	StartSeconds *float64 `json:"start_seconds"`
	EndSeconds   *float64 `json:"end_seconds"`
	ScriptText   *string  `json:"script_text"`
	Language     *string  `json:"language"`
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	Hashtags     []string `json:"hashtags"`
	CreatedAt    string   `json:"created_at"`
}

type uploadDetailsResponse struct {
	uploadResponse
	Clips []clipResponse `json:"clips"`
}

type uploadListResponse struct {
	Items  []uploadResponse `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type uploadSlotResponse struct {
	Upload    uploadResponse `json:"upload"`
	UploadURL string         `json:"upload_url"`
	ExpiresAt string         `json:"expires_at"`
}

type processResponse struct {
	Upload   uploadResponse `json:"upload"`
	EventID  *string        `json:"event_id"`
	Enqueued bool           `json:"enqueued"`
}

type signedURLResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

type stepResponse struct {
	Step        string          `json:"step"`
	Output      json.RawMessage `json:"output"`
	CompletedAt string          `json:"completed_at"`
}

type runResponse struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Language   string         `json:"language"`
	Deliveries int            `json:"deliveries"`
	LastError  *string        `json:"last_error"`
	CreatedAt  string         `json:"created_at"`
	StartedAt  *string        `json:"started_at"`
	FinishedAt *string        `json:"finished_at"`
	Steps      []stepResponse `json:"steps"`
}

type runListResponse struct {
	Items []runResponse `json:"items"`
}

// --- Маппинг ---

func mapUser(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Credits:   u.Credits,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

func mapUpload(u *model.Upload) uploadResponse {
	return uploadResponse{
		ID:        u.ID,
		FileName:  u.DisplayName,
		S3Key:     u.S3Key,
		Language:  u.Language,
		Status:    string(u.Status),
		Uploaded:  u.Uploaded,
		ClipCount: u.ClipCount,
		CreatedAt: formatTime(u.CreatedAt),
		UpdatedAt: formatTime(u.UpdatedAt),
	}
}

func mapClip(c *model.Clip) clipResponse {
	tags := model.DecodeHashtags(c.Hashtags)
	if tags == nil {
		tags = []string{}
	}
	return clipResponse{
		ID:           c.ID,
		UploadID:     c.UploadID,
		S3Key:        c.S3Key,
		StartSeconds: c.StartSeconds,
		EndSeconds:   c.EndSeconds,
		ScriptText:   c.ScriptText,
		Language:     c.Language,
		Title:        c.Title,
		Description:  c.Description,
		Hashtags:     tags,
		CreatedAt:    formatTime(c.CreatedAt),
	}
}

func mapUploadDetails(d *service.UploadDetails) uploadDetailsResponse {
	resp := uploadDetailsResponse{
		uploadResponse: mapUpload(d.Upload),
		Clips:          make([]clipResponse, 0, len(d.Clips)),
	}
	for _, c := range d.Clips {
		resp.Clips = append(resp.Clips, mapClip(c))
	}
	resp.ClipCount = len(d.Clips)
	return resp
}

func mapProcessResult(res *service.ProcessResult) processResponse {
	resp := processResponse{Upload: mapUpload(res.Upload), Enqueued: res.Enqueued}
	if res.EventID != "" {
		id := res.EventID
		resp.EventID = &id
	}
	return resp
}

func mapSignedURL(u *service.SignedURL) signedURLResponse {
	return signedURLResponse{URL: u.URL, ExpiresAt: formatTime(u.ExpiresAt)}
}

func mapRun(e *model.JobEvent) runResponse {
	resp := runResponse{
		ID:         e.ID,
		State:      string(e.State),
		Language:   e.Language,
		Deliveries: e.Deliveries,
		LastError:  e.LastError,
		CreatedAt:  formatTime(e.CreatedAt),
		StartedAt:  formatTimePtr(e.StartedAt),
		FinishedAt: formatTimePtr(e.FinishedAt),
		Steps:      make([]stepResponse, 0, len(e.Steps)),
	}
	for _, s := range e.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Step:        s.Step,
			Output:      s.Output,
			CompletedAt: formatTime(s.CompletedAt),
		})
	}
	return resp
}
