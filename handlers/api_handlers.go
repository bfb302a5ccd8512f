package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"campaign-mailer/config"
	"campaign-mailer/database"
	"campaign-mailer/logger"
	"campaign-mailer/utils"
)

// GetLogsHandler lists dispatch page outcomes for one day, today by default.
func GetLogsHandler(logs DispatchLogLister, tz string, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errorResponse(w, "Invalid report time zone configured", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		filter := database.DispatchLogFilter{Location: loc, Limit: 50}

		if queryDateStr := q.Get("date"); queryDateStr != "" {
			day, err := time.ParseInLocation("2006-01-02", queryDateStr, loc)
			if err != nil {
				errorResponse(w, "Invalid date format. Use YYYY-MM-DD.", http.StatusBadRequest)
				return
			}
			filter.Day = day
		} else {
			filter.Day = time.Now().In(loc)
		}
		if parsedLimit, err := strconv.Atoi(q.Get("limit")); err == nil && parsedLimit > 0 {
			filter.Limit = uint64(parsedLimit)
		}
		if tid := q.Get("template"); tid != "" {
			id, err := strconv.ParseInt(tid, 10, 64)
			if err != nil || id <= 0 {
				errorResponse(w, "Invalid template id", http.StatusBadRequest)
				return
			}
			filter.TemplateID = id
		}
		switch status := q.Get("status"); status {
		case "", database.LogSuccess, database.LogFailed:
			filter.Status = status
		default:
			errorResponse(w, "Invalid status. Use Success or Failed.", http.StatusBadRequest)
			return
		}

		entries, err := logs.ListDispatchLogs(r.Context(), filter)
		if err != nil {
			log.Error("Error querying dispatch logs: " + err.Error())
			errorResponse(w, "Internal server error fetching logs", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []database.DispatchLog{}
		}
		successResponse(w, "Dispatch logs retrieved successfully", entries)
	}
}

// GetDailyLimitHandler reports today's volume against the daily quota.
func GetDailyLimitHandler(db *sql.DB, cfg *config.Config, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentCount, err := utils.GetDailyMailCount(r.Context(), db, cfg.ReportTimezone)
		if err != nil {
			log.Error("Error getting daily mail count: " + err.Error())
			errorResponse(w, "Internal server error getting daily limit", http.StatusInternalServerError)
			return
		}
		data := map[string]interface{}{"current_count": currentCount, "limit": cfg.DailyMailLimit}
		if cfg.DailyMailLimit > 0 {
			data["remaining"] = max(cfg.DailyMailLimit-currentCount, 0)
		}
		successResponse(w, "Daily mail limit status retrieved", data)
	}
}

// GetDispatchStatsHandler reports today's recipients per page outcome.
func GetDispatchStatsHandler(db *sql.DB, tz string, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statusCounts, err := utils.GetPageStatusDistribution(r.Context(), db, tz)
		if err != nil {
			log.Error("Error getting dispatch stats: " + err.Error())
			errorResponse(w, "Internal server error fetching dispatch stats", http.StatusInternalServerError)
			return
		}
		successResponse(w, "Dispatch status distribution retrieved", statusCounts)
	}
}

// GetDailySendsHandler reports accepted recipients per day.
func GetDailySendsHandler(db *sql.DB, tz string, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		daysStr := r.URL.Query().Get("days")
		days := 7
		if daysStr != "" {
			if parsedDays, err := strconv.Atoi(daysStr); err == nil && parsedDays > 0 && parsedDays <= 366 {
				days = parsedDays
			}
		}
		dailySends, err := utils.GetDailySendsOverPeriod(r.Context(), db, tz, days)
		if err != nil {
			log.Error("Error getting daily sends: " + err.Error())
			errorResponse(w, "Internal server error fetching daily sends", http.StatusInternalServerError)
			return
		}
		successResponse(w, "Daily sends over period retrieved", dailySends)
	}
}
