package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = errors.New("record not found")

// Template lifecycle states
const (
	TemplateDrafted   = "drafted"
	TemplateScheduled = "scheduled"
	TemplateActive    = "active"
	TemplateFinished  = "finished"
)

// Template represents a row in the templates table
type Template struct {
	ID             int64      `json:"id"`
	BusinessID     int64      `json:"business_id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	ImageURL       string     `json:"image_url"`
	SESTemplate    string     `json:"ses_template"` // transport-side template name, also the campaign id
	Status         string     `json:"status"`
	Used           bool       `json:"used"`
	Replicated     bool       `json:"replicated"`
	ReplicatedFrom *int64     `json:"replicated_from,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Membership states of a recipient inside an audience
const (
	Subscribed   = "subscribed"
	Unsubscribed = "unsubscribed"
)

// Audience represents a row in the audiences table
type Audience struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	DefaultFromEmail string    `json:"default_from_email"`
	DefaultFromName  string    `json:"default_from_name"`
	IsDeleted        bool      `json:"is_deleted"`
	CreatedAt        time.Time `json:"created_at"`
}

// Segment represents a row in the segments table
type Segment struct {
	ID         int64  `json:"id"`
	AudienceID int64  `json:"audience_id"`
	Name       string `json:"name"`
	IsFiltered bool   `json:"is_filtered"`
	IsDeleted  bool   `json:"is_deleted"`
}

// Recipient represents a row in the recipients table
type Recipient struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
}

// RecipientAddress is the projection used while paging through a send.
type RecipientAddress struct {
	ID    int64
	Email string
}

// RecipientSource selects which member list a page is read from. A zero
// SegmentID means the audience's subscribed list.
type RecipientSource struct {
	AudienceID int64
	SegmentID  int64
}

// Statistic event names, one address set each
const (
	EventBounce    = "bounce"
	EventClick     = "click"
	EventComplaint = "complaint"
	EventDelivery  = "delivery"
	EventOpen      = "open"
	EventReject    = "reject"
	EventSend      = "send"
)

// StatisticEvents lists every event set kept per template.
var StatisticEvents = []string{EventBounce, EventClick, EventComplaint, EventDelivery, EventOpen, EventReject, EventSend}

// IsStatisticEvent reports whether name is one of the seven event sets.
func IsStatisticEvent(name string) bool {
	for _, e := range StatisticEvents {
		if e == name {
			return true
		}
	}
	return false
}

// Statistics is the per-template ledger, keyed by event name.
type Statistics struct {
	TemplateID int64               `json:"template_id"`
	Events     map[string][]string `json:"events"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Count returns the size of one event set.
func (s *Statistics) Count(event string) int {
	return len(s.Events[event])
}

// Dispatch log statuses
const (
	LogSuccess = "Success"
	LogFailed  = "Failed"
)

// DispatchLog represents a row in the dispatch_logs table, one per page outcome.
type DispatchLog struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	TemplateID     int64     `json:"template_id"`
	AudienceID     int64     `json:"audience_id"`
	Page           int       `json:"page"`
	RecipientCount int       `json:"recipient_count"`
	Addresses      []string  `json:"addresses,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}
