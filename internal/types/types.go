// Package types defines core data structures for deskbeads.
package types

import "time"

// Ticket is a support email as served by the backend.
type Ticket struct {
	ID           int64      `json:"id"`
	Sender       string     `json:"sender"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	ReceivedAt   time.Time  `json:"received_at"`
	Source       string     `json:"source,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	Sentiment    string     `json:"sentiment"`
	Priority     string     `json:"priority"`
	AutoResponse *string    `json:"auto_response"`
	Status       string     `json:"status"`
	Extracted    *Extracted `json:"extracted,omitempty"`
}

// Draft returns the AI drafted response, or "" when none exists yet.
func (t *Ticket) Draft() string {
	if t == nil || t.AutoResponse == nil {
		return ""
	}
	return *t.AutoResponse
}

// HasDraft reports whether a non-empty draft exists.
func (t *Ticket) HasDraft() bool {
	return t.Draft() != ""
}

// Extracted is backend-owned metadata pulled out of the ticket body.
type Extracted struct {
	PhoneNumbers     []string `json:"phone_numbers,omitempty"`
	AltEmails        []string `json:"alt_emails,omitempty"`
	Sentiment        string   `json:"sentiment,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	RequestedActions []string `json:"requested_actions,omitempty"`
	SentimentTerms   []string `json:"sentiment_terms,omitempty"`
}

// ListResult is one page of the ticket list. Items keep server order.
type ListResult struct {
	Total  int      `json:"total"`
	Count  int      `json:"count"`
	Items  []Ticket `json:"items"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Summary holds the analytics aggregates.
type Summary struct {
	Total     int            `json:"total"`
	Last24h   int            `json:"last_24h"`
	Sentiment map[string]int `json:"sentiment"`
	Priority  map[string]int `json:"priority"`
	Resolved  int            `json:"resolved"`
	Pending   int            `json:"pending"`
}

// Health is the advisory backend status.
type Health struct {
	Status   string    `json:"status"`
	RAG      RAGStatus `json:"rag"`
	Provider string    `json:"provider,omitempty"`
	Emails   int       `json:"emails"`
}

// RAGStatus describes the retrieval engine lifecycle.
type RAGStatus struct {
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	Available bool   `json:"available"`
}

// ChangeNotification names a ticket that changed. It carries no new state.
type ChangeNotification struct {
	ID     int64  `json:"id"`
	Status string `json:"status,omitempty"`
}

// Priority constants.
const (
	PriorityUrgent    = "Urgent"
	PriorityHigh      = "High"
	PriorityNormal    = "Normal"
	PriorityLow       = "Low"
	PriorityNotUrgent = "Not urgent"
)

// ValidPriorities is the set of priority filter values.
var ValidPriorities = []string{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// IsValidPriority checks if a priority string is a known filter value.
func IsValidPriority(p string) bool {
	return contains(ValidPriorities, p)
}

// Sentiment constants.
const (
	SentimentPositive = "Positive"
	SentimentNegative = "Negative"
	SentimentNeutral  = "Neutral"
)

// ValidSentiments is the set of allowed sentiment values.
var ValidSentiments = []string{SentimentPositive, SentimentNegative, SentimentNeutral}

// IsValidSentiment checks if a sentiment string is valid.
func IsValidSentiment(s string) bool {
	return contains(ValidSentiments, s)
}

// Status constants.
const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusResolved  = "resolved"
)

// ValidStatuses is the set of allowed status values.
var ValidStatuses = []string{StatusPending, StatusResponded, StatusResolved}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(s string) bool {
	return contains(ValidStatuses, s)
}

func statusRank(s string) int {
	switch s {
	case StatusPending, "":
		return 0
	case StatusResponded:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// CanAdvance reports whether a ticket may move from one status to another.
// Status only moves forward: pending -> responded -> resolved, or
// pending -> resolved.
func CanAdvance(from, to string) bool {
	f, t := statusRank(from), statusRank(to)
	if f < 0 || t < 0 {
		return false
	}
	return t > f
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
