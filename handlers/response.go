package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"campaign-mailer/services"
)

// APIResponse struct for consistent JSON responses
type APIResponse struct {
	Message string      `json:"message"`
	Status  string      `json:"status"` // e.g., "success", "error"
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshalling JSON: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(response)
}

// errorResponse sends an error JSON response
func errorResponse(w http.ResponseWriter, message string, statusCode int) {
	respondWithJSON(w, statusCode, APIResponse{
		Message: message,
		Status:  "error",
	})
}

// successResponse sends a success JSON response
func successResponse(w http.ResponseWriter, message string, data interface{}) {
	respondWithJSON(w, http.StatusOK, APIResponse{
		Message: message,
		Status:  "success",
		Data:    data,
	})
}

// serviceErrorResponse maps a service error onto a status code.
func serviceErrorResponse(w http.ResponseWriter, err error, fallback string) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		errorResponse(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, services.ErrInvalidArgument):
		errorResponse(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrNotFound):
		errorResponse(w, "No data found", http.StatusNotFound)
	case errors.Is(err, services.ErrTransport):
		errorResponse(w, fallback+": mail provider unavailable", http.StatusBadGateway)
	default:
		errorResponse(w, fallback, http.StatusInternalServerError)
	}
}
