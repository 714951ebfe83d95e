package lab

import (
	"strings"
	"time"
)

const (
	// MaxEntries bounds both the safety alert list and the event log.
	MaxEntries = 50

	DefaultExperimentName = "Acid-Base Titration"
	DefaultTotalSteps     = 4
	DefaultFrameWidth     = 640
	DefaultFrameHeight    = 480

	UnknownStepName = "Unknown"
)

// DefaultStepNames is the step list used until the backend provides one.
var DefaultStepNames = []string{
	"Setup Equipment",
	"Pour Acid (HCl)",
	"Add Base & Indicator",
	"Record Observations",
}

// Snapshot is the current experiment session state.
// CurrentStep is nil until the session reports a step.
type Snapshot struct {
	ExperimentName string      `json:"experiment_name,omitempty"`
	TotalSteps     int         `json:"total_steps"`
	CurrentStep    *int        `json:"current_step"`
	StepNames      []string    `json:"step_names"`
	Detail         *StepDetail `json:"step_info,omitempty"`
	Completed      bool        `json:"completed"`
	FrameWidth     int         `json:"frame_width"`
	FrameHeight    int         `json:"frame_height"`
}

// NewSnapshot returns the not-started session state.
func NewSnapshot() Snapshot {
	return Snapshot{
		TotalSteps:  DefaultTotalSteps,
		StepNames:   append([]string(nil), DefaultStepNames...),
		FrameWidth:  DefaultFrameWidth,
		FrameHeight: DefaultFrameHeight,
	}
}

// Step returns the current step and whether one is set.
func (s Snapshot) Step() (int, bool) {
	if s.CurrentStep == nil {
		return 0, false
	}
	return *s.CurrentStep, true
}

// StepName resolves a display name for step index i.
func (s Snapshot) StepName(i int) string {
	if i >= 0 && i < len(s.StepNames) && s.StepNames[i] != "" {
		return s.StepNames[i]
	}
	return UnknownStepName
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.CurrentStep != nil {
		v := *s.CurrentStep
		out.CurrentStep = &v
	}
	out.StepNames = append([]string(nil), s.StepNames...)
	if s.Detail != nil {
		d := s.Detail.clone()
		out.Detail = &d
	}
	return out
}

// StepDetail is the backend's per-step progress report (step_info).
type StepDetail struct {
	CurrentStep      int      `json:"current_step"`
	TotalSteps       int      `json:"total_steps"`
	StepName         string   `json:"step_name"`
	Hint             string   `json:"hint,omitempty"`
	RequiredObjects  []string `json:"required_objects"`
	DetectedRequired []string `json:"detected_required"`
	MissingObjects   []string `json:"missing_objects"`
	Progress         float64  `json:"progress"`
	TimeOnStep       float64  `json:"time_on_step"`
	StepStatus       string   `json:"step_status"`
	Completed        bool     `json:"completed"`
}

func (d StepDetail) clone() StepDetail {
	out := d
	out.RequiredObjects = append([]string(nil), d.RequiredObjects...)
	out.DetectedRequired = append([]string(nil), d.DetectedRequired...)
	out.MissingObjects = append([]string(nil), d.MissingObjects...)
	return out
}

// BoundingBox is an x1,y1,x2,y2 rectangle in frame pixels.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// DetectedObject is one labeled observation from the detector.
type DetectedObject struct {
	Label       string       `json:"label"`
	Confidence  *float64     `json:"confidence,omitempty"`
	BoundingBox *BoundingBox `json:"bbox,omitempty"`
}

type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a wire severity onto the known set; anything else is high.
func ParseSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityNormal:
		return SeverityNormal
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

type SafetyAlert struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type LogKind string

const (
	LogInfo    LogKind = "info"
	LogStep    LogKind = "step"
	LogDanger  LogKind = "danger"
	LogSuccess LogKind = "success"
)

type LogEntry struct {
	ID        string    `json:"id"`
	Kind      LogKind   `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertDraft is an alert the interpreter asks the store to append.
type AlertDraft struct {
	Message  string
	Severity Severity
}

// LogDraft is a log entry the interpreter asks the store to append.
type LogDraft struct {
	Kind    LogKind
	Message string
}

// Effects are the side effects of one message beyond the snapshot change.
// Alerts and Logs are in emission order.
type Effects struct {
	ReplaceObjects bool
	Objects        []DetectedObject
	ClearAlerts    bool
	Alerts         []AlertDraft
	Logs           []LogDraft
}

func (fx *Effects) log(kind LogKind, msg string) {
	fx.Logs = append(fx.Logs, LogDraft{Kind: kind, Message: msg})
}

func (fx *Effects) replaceObjects(objs []DetectedObject) {
	fx.ReplaceObjects = true
	fx.Objects = objs
}
