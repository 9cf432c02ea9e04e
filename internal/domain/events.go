package domain

import "time"

// EventKind enumerates the closed set of notification kinds published
// on the project channel.
type EventKind string

// Event kinds. The sheets_ variants mirror the batch ones for
// scheduler-driven runs.
const (
	EventLinkUpdated             EventKind = "link_updated"
	EventAnalysisStarted         EventKind = "analysis_started"
	EventAnalysisProgress        EventKind = "analysis_progress"
	EventAnalysisCompleted       EventKind = "analysis_completed"
	EventAnalysisError           EventKind = "analysis_error"
	EventSheetsLinkUpdated       EventKind = "sheets_link_updated"
	EventSheetsAnalysisStarted   EventKind = "sheets_analysis_started"
	EventSheetsAnalysisProgress  EventKind = "sheets_analysis_progress"
	EventSheetsAnalysisCompleted EventKind = "sheets_analysis_completed"
	EventSheetsAnalysisError     EventKind = "sheets_analysis_error"
)

// Event is one notification published to observers of a project.
// Delivery is best-effort and unordered across projects; per project,
// events from a single worker keep publish order.
type Event struct {
	Kind      EventKind `json:"event"`
	ProjectID string    `json:"projectId"`
	Payload   any       `json:"payload,omitempty"`
}

// LinkUpdatedPayload is the wire-level verdict schema carried by
// link_updated and sheets_link_updated events.
type LinkUpdatedPayload struct {
	ProjectID          string    `json:"projectId"`
	LinkID             string    `json:"linkId"`
	Status             LinkState `json:"status"`
	ResponseCode       int       `json:"responseCode"`
	Indexable          bool      `json:"indexable"`
	LinkClass          LinkClass `json:"linkClass"`
	CanonicalURL       string    `json:"canonicalUrl,omitempty"`
	LoadTime           int64     `json:"loadTime"`
	MatchedAnchorHTML  string    `json:"matchedAnchorHtml,omitempty"`
	NonIndexableReason string    `json:"nonIndexableReason,omitempty"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// NewLinkUpdatedPayload maps a verdict onto the wire schema.
func NewLinkUpdatedPayload(projectID, linkID string, v Verdict) LinkUpdatedPayload {
	return LinkUpdatedPayload{
		ProjectID:          projectID,
		LinkID:             linkID,
		Status:             v.Status,
		ResponseCode:       v.ResponseCode,
		Indexable:          v.Indexable,
		LinkClass:          v.LinkClass,
		CanonicalURL:       v.CanonicalURL,
		LoadTime:           v.LoadTimeMS,
		MatchedAnchorHTML:  v.MatchedAnchorHTML,
		NonIndexableReason: v.NonIndexableReason,
		CheckedAt:          v.CheckedAt,
	}
}

// Notifier is the publish/subscribe sink binding the execution plane
// to observers. It is write-only from the core.
type Notifier interface {
	Publish(ctx Context, projectID string, ev Event) error
}

// LinkEvent couples the per-link event kind to the link's kind.
func LinkEvent(kind LinkKind) EventKind {
	if kind == KindSheet {
		return EventSheetsLinkUpdated
	}
	return EventLinkUpdated
}

// CompletionEvent returns the run-completion kind for a link kind.
func CompletionEvent(kind LinkKind) EventKind {
	if kind == KindSheet {
		return EventSheetsAnalysisCompleted
	}
	return EventAnalysisCompleted
}

// StartEvent returns the run-start kind for a link kind.
func StartEvent(kind LinkKind) EventKind {
	if kind == KindSheet {
		return EventSheetsAnalysisStarted
	}
	return EventAnalysisStarted
}
