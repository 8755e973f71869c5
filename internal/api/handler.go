package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"electroexpert/internal/cloud"
	"electroexpert/internal/composer"
	"electroexpert/internal/conversation"
	"electroexpert/internal/manual"
	"electroexpert/internal/segment"
	"electroexpert/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxUploadBodySize = 64 << 20   // 64MB, uploads carry base64 file content

type AppDeps struct {
	Store    *storage.Store
	Chat     *conversation.Service
	Ingestor *manual.Ingestor
	Queue    *cloud.Queue  // optional; if nil, attachments are not mirrored
	Cloud    *cloud.Client // optional; if nil, cloud endpoints report not connected
	Token    string
}

// NewAppHandler wires the REST API. The health endpoint is open; everything
// else sits behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/attachments", handleUploadAttachments(deps))
		r.Get("/attachments", handleListAttachments(deps))
		r.Delete("/attachments/{id}", handleDeleteAttachment(deps))

		r.Get("/collections", handleListCollections(deps))
		r.Post("/collections", handleCreateCollection(deps))
		r.Delete("/collections/{id}", handleDeleteCollection(deps))

		r.Post("/chat", handleChat(deps))
		r.Get("/messages", handleListMessages(deps))
		r.Post("/messages/reset", handleResetMessages(deps))

		r.Get("/projects", handleListProjects(deps))
		r.Post("/projects", handleSaveProject(deps))
		r.Get("/projects/{id}", handleGetProject(deps))
		r.Post("/projects/{id}/load", handleLoadProject(deps))
		r.Delete("/projects/{id}", handleDeleteProject(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Patch("/settings", handlePatchSettings(deps))

		r.Post("/cloud/signin", handleCloudSignIn(deps))
		r.Get("/cloud/status", handleCloudStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Attachments ---

type uploadFile struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Content   string `json:"content"` // base64
}

type uploadRequest struct {
	CollectionID string       `json:"collection_id"`
	Files        []uploadFile `json:"files"`
}

type uploadResult struct {
	Name       string              `json:"name"`
	Error      string              `json:"error,omitempty"`
	Attachment *storage.Attachment `json:"attachment,omitempty"`
}

func handleUploadAttachments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "files is required")
			return
		}

		uploads := make([]manual.Upload, 0, len(req.Files))
		for _, f := range req.Files {
			data, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content for %q", f.Name)
				return
			}
			uploads = append(uploads, manual.Upload{Name: f.Name, MediaType: f.MediaType, Data: data})
		}

		results := deps.Ingestor.IngestAll(r.Context(), uploads, req.CollectionID)

		out := make([]uploadResult, len(results))
		for i, res := range results {
			out[i].Name = uploads[i].Name
			if res.Err != nil {
				out[i].Error = res.Err.Error()
				continue
			}
			a := res.Attachment
			out[i].Attachment = &a
			if deps.Queue != nil {
				// Sync is best-effort; the local save already succeeded.
				_ = deps.Queue.EnqueueUpload(a.ID)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleListAttachments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			attachments []storage.Attachment
			err         error
		)
		if collection := r.URL.Query().Get("collection"); collection != "" {
			attachments, err = deps.Store.ListVisibleAttachments(collection)
		} else {
			attachments, err = deps.Store.ListAttachments()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attachments: %v", err)
			return
		}
		if attachments == nil {
			attachments = []storage.Attachment{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(attachments)
	}
}

func handleDeleteAttachment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Capture remote coordinates before the row disappears.
		var remoteCollection, remoteName string
		if deps.Queue != nil {
			if a, err := deps.Store.GetAttachment(id); err == nil {
				remoteName = a.Name
				remoteCollection = a.CollectionID
				if col, err := deps.Store.GetCollection(a.CollectionID); err == nil {
					remoteCollection = col.Name
				}
			}
		}

		if err := deps.Store.DeleteAttachment(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete attachment: %v", err)
			return
		}
		if deps.Queue != nil && remoteName != "" {
			_ = deps.Queue.EnqueueDelete(remoteCollection, remoteName)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// --- Collections ---

type collectionRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

func handleListCollections(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collections, err := deps.Store.ListCollections()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list collections: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(collections)
	}
}

func handleCreateCollection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req collectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		c := storage.Collection{
			ID:   uuid.New().String(),
			Name: req.Name,
			Icon: req.Icon,
		}
		if err := deps.Store.SaveCollection(c); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save collection: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}

func handleDeleteCollection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteCollection(id)
		if errors.Is(err, storage.ErrProtectedCollection) {
			httpError(w, http.StatusForbidden, "invalid_request_error", "the general collection cannot be deleted")
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "collection not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete collection: %v", err)
			return
		}

		// The session must not keep pointing at a collection that is gone.
		if deps.Chat.ActiveCollection() == id {
			deps.Chat.SetActiveCollection(storage.GeneralCollectionID)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// --- Chat ---

type chatRequest struct {
	Message    string `json:"message"`
	Mode       string `json:"mode,omitempty"`
	Collection string `json:"collection,omitempty"`
}

type chatResponse struct {
	Message  composer.Message  `json:"message"`
	Segments []segment.Segment `json:"segments"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if req.Mode != "" {
			mode, err := composer.ParseMode(req.Mode)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			deps.Chat.SetMode(mode)
		}
		if req.Collection != "" {
			deps.Chat.SetActiveCollection(req.Collection)
		}

		reply, err := deps.Chat.Send(r.Context(), req.Message)
		if errors.Is(err, conversation.ErrSendInFlight) {
			httpError(w, http.StatusConflict, "invalid_request_error", "a message is already being processed")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to send message: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			Message:  reply,
			Segments: segment.Parse(reply.Content),
		})
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"messages":   deps.Chat.Messages(),
			"mode":       deps.Chat.Mode(),
			"collection": deps.Chat.ActiveCollection(),
		})
	}
}

func handleResetMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Chat.Reset()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
	}
}

// --- Projects ---

type saveProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func handleListProjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := deps.Store.ListProjects()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list projects: %v", err)
			return
		}
		if projects == nil {
			projects = []storage.Project{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(projects)
	}
}

func handleSaveProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req saveProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		p, err := deps.Chat.SaveProject(req.ID, req.Name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save project: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func handleGetProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProject(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "project not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get project: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func handleLoadProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Chat.LoadProject(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "project not found")
			return
		}
		if errors.Is(err, conversation.ErrSendInFlight) {
			httpError(w, http.StatusConflict, "invalid_request_error", "a message is already being processed")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load project: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "loaded",
			"messages": deps.Chat.Messages(),
		})
	}
}

func handleDeleteProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteProject(chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete project: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// --- Settings ---

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Store.GetAllSettings()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(settings)
	}
}

func handlePatchSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]string
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		for key, value := range fields {
			if err := deps.Store.SetSetting(key, value); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set %q: %v", key, err)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

// --- Cloud ---

func handleCloudSignIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cloud == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "cloud sync is not configured")
			return
		}

		connected, err := deps.Cloud.SignIn(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "sign-in failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"connected": connected})
	}
}

func handleCloudStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := deps.Cloud != nil && deps.Cloud.Connected()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"connected": connected})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
