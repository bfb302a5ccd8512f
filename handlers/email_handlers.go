package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"campaign-mailer/database"
	"campaign-mailer/logger"
	"campaign-mailer/metrics"
	"campaign-mailer/services"

	"github.com/gorilla/mux"
)

const maxNotificationBytes = 256 << 10

// NotificationsHandler receives SES events delivered by SNS.
func NotificationsHandler(n NotificationHandler, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			errorResponse(w, "Unable to read notification", http.StatusBadRequest)
			return
		}

		outcome, err := n.Handle(r.Context(), body)
		if err != nil {
			metrics.DeliveryEvent("error")
			if errors.Is(err, services.ErrInvalidArgument) {
				log.Warn("Malformed delivery notification: " + err.Error())
				errorResponse(w, "JSON parsing error", http.StatusUnprocessableEntity)
				return
			}
			log.Error("Error recording delivery notification: " + err.Error())
			errorResponse(w, "Error updating statistics.", http.StatusInternalServerError)
			return
		}
		metrics.DeliveryEvent(outcome)
		successResponse(w, "Notification "+outcome, nil)
	}
}

type statisticsResponse struct {
	TemplateID int64               `json:"template_id"`
	Counts     map[string]int      `json:"counts"`
	Events     map[string][]string `json:"events"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// StatisticsHandler returns the event sets of a template with their sizes.
func StatisticsHandler(s StatisticsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := services.ParseID(mux.Vars(r)["templateId"])
		if err != nil {
			errorResponse(w, "Invalid template id", http.StatusBadRequest)
			return
		}
		stats, err := s.Statistics(r.Context(), id)
		if err != nil {
			serviceErrorResponse(w, err, "Internal server error fetching statistics")
			return
		}

		counts := make(map[string]int, len(database.StatisticEvents))
		for _, e := range database.StatisticEvents {
			counts[e] = stats.Count(e)
		}
		successResponse(w, "Statistics retrieved successfully", statisticsResponse{
			TemplateID: stats.TemplateID,
			Counts:     counts,
			Events:     stats.Events,
			UpdatedAt:  stats.UpdatedAt,
		})
	}
}

// UnsubscribeHandler resolves the link placed in campaign mails.
func UnsubscribeHandler(u Unsubscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			errorResponse(w, "`id` is required", http.StatusBadRequest)
			return
		}
		if _, err := u.Unsubscribe(r.Context(), id); err != nil {
			if errors.Is(err, services.ErrInvalidArgument) {
				errorResponse(w, "Invalid hash string", http.StatusBadRequest)
				return
			}
			serviceErrorResponse(w, err, "Something went wrong")
			return
		}
		successResponse(w, "You have been removed from the subscription list. Sorry to see you go.", nil)
	}
}
