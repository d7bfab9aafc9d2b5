package model

// TemplateView classifies what slice of the schedule a template renders
type TemplateView string

const (
	ViewDaily        TemplateView = "daily"
	ViewWeekly       TemplateView = "weekly"
	ViewSingleEvent  TemplateView = "event"
	ViewAnnouncement TemplateView = "announcement"
)

var ValidTemplateViews = []TemplateView{
	ViewDaily, ViewWeekly, ViewSingleEvent, ViewAnnouncement,
}

// ScheduleSource identifies the booking platform a schedule comes from
type ScheduleSource string

const (
	SourceMindbody   ScheduleSource = "mindbody"
	SourceWalla      ScheduleSource = "walla"
	SourceArketa     ScheduleSource = "arketa"
	SourceMomence    ScheduleSource = "momence"
	SourceRhinofit   ScheduleSource = "rhinofit"
	SourceLegitfit   ScheduleSource = "legitfit"
	SourceTeamup     ScheduleSource = "teamup"
	SourceGlofox     ScheduleSource = "glofox"
	SourceZingfit    ScheduleSource = "zingfit"
	SourceMarianatek ScheduleSource = "marianatek"
)

var ValidScheduleSources = []ScheduleSource{
	SourceMindbody, SourceWalla, SourceArketa, SourceMomence, SourceRhinofit,
	SourceLegitfit, SourceTeamup, SourceGlofox, SourceZingfit, SourceMarianatek,
}

// IsValidScheduleSource checks if a source identifier is supported
func IsValidScheduleSource(s string) bool {
	for _, v := range ValidScheduleSources {
		if string(v) == s {
			return true
		}
	}
	return false
}

// IsValidTemplateView checks if a view classification is supported
func IsValidTemplateView(s string) bool {
	for _, v := range ValidTemplateViews {
		if string(v) == s {
			return true
		}
	}
	return false
}
