// uploads.go — обработчики /api/v1/me, /api/v1/uploads и /api/v1/clips.
package handlers

import (
	"net/http"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/clip-module/internal/api/errors"
)

// GetMe — GET /api/v1/me. Профиль и баланс; пользователь создаётся при первом обращении.
func (h *APIHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	u, err := h.users.Me(r.Context(), claims.Subject, claims.Email)
	if err != nil {
		h.writeServiceError(w, err, "получение пользователя")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(u))
}

// createUploadRequest — тело POST /api/v1/uploads.
type createUploadRequest struct {
	FileName    string  `json:"file_name"`
	ContentType *string `json:"content_type"`
	Language    *string `json:"language"`
}

// CreateUpload — POST /api/v1/uploads.
// Создаёт загрузку и возвращает подписанную ссылку для PUT исходного видео.
func (h *APIHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createUploadRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.FileName == "" {
		apierrors.ValidationError(w, "Имя файла (file_name) обязательно")
		return
	}

	slot, err := h.uploads.CreateSlot(r.Context(), claims.Subject, claims.Email,
		req.FileName, deref(req.ContentType), deref(req.Language))
	if err != nil {
		h.writeServiceError(w, err, "создание загрузки")
		return
	}
	writeJSON(w, http.StatusCreated, uploadSlotResponse{
		Upload:    mapUpload(slot.Upload),
		UploadURL: slot.UploadURL,
		ExpiresAt: formatTime(slot.ExpiresAt),
	})
}

// ListUploads — GET /api/v1/uploads?limit&offset. Новые первыми.
func (h *APIHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	var limit, offset *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &offset); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset: "+err.Error())
		return
	}
	l, o := paginationDefaults(limit, offset)

	uploads, total, err := h.uploads.List(r.Context(), claims.Subject, l, o)
	if err != nil {
		h.writeServiceError(w, err, "список загрузок")
		return
	}
	resp := uploadListResponse{
		Items:  make([]uploadResponse, 0, len(uploads)),
		Total:  total,
		Limit:  l,
		Offset: o,
	}
	for _, u := range uploads {
		resp.Items = append(resp.Items, mapUpload(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUpload — GET /api/v1/uploads/{upload_id}. Загрузка с клипами.
func (h *APIHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	details, err := h.uploads.Get(r.Context(), claims.Subject, uploadID)
	if err != nil {
		h.writeServiceError(w, err, "получение загрузки")
		return
	}
	writeJSON(w, http.StatusOK, mapUploadDetails(details))
}

// processRequest — тело POST /api/v1/uploads/{upload_id}/process (необязательное).
type processRequest struct {
	Language *string `json:"language"`
}

// ProcessUpload — POST /api/v1/uploads/{upload_id}/process.
// Ставит загрузку в очередь обработки. Ответ 202: обработка асинхронна,
// результат виден в статусе загрузки.
func (h *APIHandler) ProcessUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	var req processRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	res, err := h.uploads.Process(r.Context(), claims.Subject, uploadID, deref(req.Language))
	if err != nil {
		h.writeServiceError(w, err, "постановка в очередь")
		return
	}
	writeJSON(w, http.StatusAccepted, mapProcessResult(res))
}

// ReprocessUpload — POST /api/v1/uploads/{upload_id}/reprocess.
// 409, пока загрузка в очереди или обрабатывается.
func (h *APIHandler) ReprocessUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	res, err := h.uploads.Reprocess(r.Context(), claims.Subject, uploadID)
	if err != nil {
		h.writeServiceError(w, err, "повторная обработка")
		return
	}
	writeJSON(w, http.StatusAccepted, mapProcessResult(res))
}

// DeleteUpload — DELETE /api/v1/uploads/{upload_id}.
func (h *APIHandler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	if err := h.uploads.Delete(r.Context(), claims.Subject, uploadID); err != nil {
		h.writeServiceError(w, err, "удаление загрузки")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOriginalURL — GET /api/v1/uploads/{upload_id}/original-url.
func (h *APIHandler) GetOriginalURL(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	signed, err := h.uploads.OriginalURL(r.Context(), claims.Subject, uploadID)
	if err != nil {
		h.writeServiceError(w, err, "ссылка на исходное видео")
		return
	}
	writeJSON(w, http.StatusOK, mapSignedURL(signed))
}

// ListRuns — GET /api/v1/uploads/{upload_id}/runs. История запусков с шагами.
func (h *APIHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	uploadID, ok := pathUUID(w, r, "upload_id")
	if !ok {
		return
	}
	runs, err := h.uploads.Runs(r.Context(), claims.Subject, uploadID)
	if err != nil {
		h.writeServiceError(w, err, "история запусков")
		return
	}
	resp := runListResponse{Items: make([]runResponse, 0, len(runs))}
	for _, e := range runs {
		resp.Items = append(resp.Items, mapRun(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlayURL — GET /api/v1/clips/{clip_id}/play-url.
func (h *APIHandler) GetPlayURL(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	clipID, ok := pathUUID(w, r, "clip_id")
	if !ok {
		return
	}
	signed, err := h.clips.PlayURL(r.Context(), claims.Subject, clipID)
	if err != nil {
		h.writeServiceError(w, err, "ссылка на клип")
		return
	}
	writeJSON(w, http.StatusOK, mapSignedURL(signed))
}

// DeleteClip — DELETE /api/v1/clips/{clip_id}.
func (h *APIHandler) DeleteClip(w http.ResponseWriter, r *http.Request) {
	claims, ok := currentUser(w, r)
	if !ok {
		return
	}
	clipID, ok := pathUUID(w, r, "clip_id")
	if !ok {
		return
	}
	if err := h.clips.Delete(r.Context(), claims.Subject, clipID); err != nil {
		h.writeServiceError(w, err, "удаление клипа")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
