package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"campaign-mailer/database"
	"campaign-mailer/logger"
	"campaign-mailer/services"

	"github.com/gorilla/mux"
)

// CreateTemplateHandler stores a new campaign template.
func CreateTemplateHandler(t TemplateManager, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in services.CreateTemplateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		if msg := validateRequest(&in); msg != "" {
			errorResponse(w, msg, http.StatusBadRequest)
			return
		}

		tmpl, err := t.Create(r.Context(), in)
		if err != nil {
			log.Error("Error creating template: " + err.Error())
			serviceErrorResponse(w, err, "Failed to create template")
			return
		}
		successResponse(w, "Template created successfully", tmpl)
	}
}

// ListTemplatesHandler lists templates, optionally by status.
func ListTemplatesHandler(t TemplateManager, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := q.Get("status")
		switch status {
		case "", database.TemplateDrafted, database.TemplateScheduled, database.TemplateActive, database.TemplateFinished:
		default:
			errorResponse(w, "Invalid `status` supplied", http.StatusBadRequest)
			return
		}

		var limit, offset uint64 = 50, 0
		if v, err := strconv.ParseUint(q.Get("limit"), 10, 64); err == nil && v > 0 {
			limit = v
		}
		if v, err := strconv.ParseUint(q.Get("offset"), 10, 64); err == nil {
			offset = v
		}

		templates, err := t.List(r.Context(), status, limit, offset)
		if err != nil {
			log.Error("Error listing templates: " + err.Error())
			errorResponse(w, "Internal server error fetching templates", http.StatusInternalServerError)
			return
		}
		if templates == nil {
			templates = []*database.Template{}
		}
		successResponse(w, "Templates retrieved successfully", templates)
	}
}

// DeleteTemplateHandler soft-deletes a template.
func DeleteTemplateHandler(t TemplateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := services.ParseID(mux.Vars(r)["id"])
		if err != nil {
			errorResponse(w, "Invalid template id", http.StatusBadRequest)
			return
		}
		if err := t.Delete(r.Context(), id); err != nil {
			serviceErrorResponse(w, err, "Failed to delete template")
			return
		}
		successResponse(w, "Template has been deleted successfully.", map[string]interface{}{"id": id, "is_deleted": true})
	}
}

type testMailRequest struct {
	To         string `json:"to" validate:"required,email"`
	AudienceID int64  `json:"audiences" validate:"gte=0"`
}

// TestTemplateHandler mails one rendered copy of a template.
func TestTemplateHandler(t TemplateManager, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := services.ParseID(mux.Vars(r)["id"])
		if err != nil {
			errorResponse(w, "Invalid template id", http.StatusBadRequest)
			return
		}
		var req testMailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		if msg := validateRequest(&req); msg != "" {
			errorResponse(w, msg, http.StatusBadRequest)
			return
		}

		if err := t.SendTest(r.Context(), id, req.To, req.AudienceID); err != nil {
			log.WithField("template_id", id).Error("Error sending test email: " + err.Error())
			serviceErrorResponse(w, err, "Failed to send test email")
			return
		}
		successResponse(w, "Test email sent successfully", nil)
	}
}
