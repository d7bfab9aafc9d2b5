package model

// StaffMember is one instructor attached to a schedule event
type StaffMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// ScheduleEvent is one class or event from the booking platform
type ScheduleEvent struct {
	Name    string        `json:"name"`
	StartAt string        `json:"startAt"` // RFC 3339
	EndAt   string        `json:"endAt"`   // RFC 3339
	Staff   []StaffMember `json:"staff,omitempty"`
}

// ScheduleDay groups the events of a single date
type ScheduleDay struct {
	Date   string          `json:"date"` // YYYY-MM-DD
	Events []ScheduleEvent `json:"events"`
}

// ScheduleData is the normalized schedule tree produced by a booking-platform
// adapter. It is a value type: two schedules are the same unit of work iff
// their canonical JSON encodings are byte-equal.
type ScheduleData struct {
	SourceID string        `json:"sourceId"`
	Days     []ScheduleDay `json:"days"`
}

// Empty reports whether the schedule carries no events at all
func (s *ScheduleData) Empty() bool {
	for _, d := range s.Days {
		if len(d.Events) > 0 {
			return false
		}
	}
	return true
}
