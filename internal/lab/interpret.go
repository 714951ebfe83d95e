package lab

import "fmt"

// Inbound message tags.
const (
	TagExperimentLoaded    = "experiment_loaded"
	TagInit                = "init"
	TagWelcome             = "welcome"
	TagStudentUpdate       = "student_update"
	TagDetectionResult     = "detection_result"
	TagStepAdvance         = "step_advance"
	TagSafetyAlert         = "safety_alert"
	TagDetection           = "detection"
	TagDetections          = "detections"
	TagExperimentComplete  = "experiment_complete"
	TagComplete            = "complete"
	TagStudentConnected    = "student_connected"
	TagStudentDisconnected = "student_disconnected"
	TagExperimentReset     = "experiment_reset"
	TagLanguageUpdated     = "language_updated"
	TagHeartbeat           = "heartbeat"
	TagPong                = "pong"
)

const (
	defaultAlertMessage = "Safety alert"
	completedMessage    = "Experiment completed!"
	resetMessage        = "Experiment reset"
)

// Interpret folds one message into prev and returns the next snapshot plus
// the list and log effects the store must apply. prev is never modified.
func Interpret(prev Snapshot, msg Message) (Snapshot, Effects) {
	next := prev.clone()
	var fx Effects

	switch msg.Tag() {
	case TagExperimentLoaded, TagInit, TagWelcome:
		applyLoaded(&next, msg, &fx)
	case TagStudentUpdate, TagDetectionResult:
		applyUpdate(prev, &next, msg, &fx)
	case TagStepAdvance:
		applyStepAdvance(&next, msg, &fx)
	case TagSafetyAlert:
		appendAlert(msg, &fx)
	case TagDetection, TagDetections:
		list, _ := msg.List("objects", "detections")
		fx.replaceObjects(parseObjects(list))
	case TagExperimentComplete, TagComplete:
		fx.log(LogSuccess, completedMessage)
	case TagStudentConnected:
		fx.log(LogInfo, fmt.Sprintf("Student connected (%d total)", studentCount(msg, 1)))
	case TagStudentDisconnected:
		fx.log(LogInfo, fmt.Sprintf("Student disconnected (%d total)", studentCount(msg, 0)))
	case TagExperimentReset:
		setStep(&next, 0)
		next.Completed = false
		fx.replaceObjects(nil)
		fx.ClearAlerts = true
		fx.log(LogInfo, resetMessage)
	case TagLanguageUpdated:
		applyLanguageUpdated(&next, msg)
	case TagHeartbeat, TagPong:
	default:
		applyBestEffort(&next, msg, &fx)
	}
	return next, fx
}

func applyLoaded(next *Snapshot, msg Message, fx *Effects) {
	info, hasInfo := msg.Object("step_info")

	next.ExperimentName = msg.TextOr(DefaultExperimentName, "experiment_name", "name")
	next.TotalSteps = DefaultTotalSteps
	if n, ok := msg.Int("total_steps"); ok && n > 0 {
		next.TotalSteps = n
	} else if hasInfo {
		if n, ok := info.Int("total_steps"); ok && n > 0 {
			next.TotalSteps = n
		}
	}
	if names := msg.Strings("step_names"); len(names) > 0 {
		next.StepNames = names
	}
	next.Completed = msg.Truthy("completed")

	if cur, ok := next.Step(); ok {
		setStep(next, cur)
	}
	if step, ok := msg.Int("current_step"); ok {
		setStep(next, step)
	} else if hasInfo {
		if step, ok := info.Int("current_step"); ok {
			setStep(next, step)
		}
	}
	if hasInfo {
		adoptDetail(next, info)
	}
	// The log line reads experiment_name only; name is a snapshot fallback.
	fx.log(LogInfo, "Experiment: "+msg.TextOr(DefaultExperimentName, "experiment_name"))
}

func applyUpdate(prev Snapshot, next *Snapshot, msg Message, fx *Effects) {
	if list, ok := msg.List("detections"); ok {
		fx.replaceObjects(parseObjects(list))
	}
	if w, ok := msg.Int("frame_width"); ok && w > 0 {
		next.FrameWidth = w
	}
	if h, ok := msg.Int("frame_height"); ok && h > 0 {
		next.FrameHeight = h
	}

	if info, ok := msg.Object("step_info"); ok {
		if step, ok := info.Int("current_step"); ok {
			setStep(next, step)
			cur := *next.CurrentStep
			if old, had := prev.Step(); !had || old != cur {
				fx.log(LogStep, stepLine(*next, cur, info.TextOr("", "step_name")))
			}
		}
		adoptDetail(next, info)
	}

	if alert, ok := msg.Object("safety_alert"); ok {
		appendAlert(alert, fx)
	}
	if msg.Truthy("experiment_complete") {
		next.Completed = true
		fx.log(LogSuccess, completedMessage)
	}
}

func applyStepAdvance(next *Snapshot, msg Message, fx *Effects) {
	step, ok := msg.Int("step", "current_step", "step_index")
	if !ok {
		return
	}
	setStep(next, step)
	fx.log(LogStep, stepLine(*next, *next.CurrentStep, msg.TextOr("", "step_name")))
}

func applyLanguageUpdated(next *Snapshot, msg Message) {
	info, ok := msg.Object("step_info")
	if !ok || next.Detail == nil {
		return
	}
	if hint, ok := info.Text("hint"); ok {
		next.Detail.Hint = hint
	}
}

func applyBestEffort(next *Snapshot, msg Message, fx *Effects) {
	if step, ok := msg.Int("current_step"); ok {
		setStep(next, step)
	}
	if list, ok := msg.List("detections", "objects"); ok {
		fx.replaceObjects(parseObjects(list))
	}
}

// appendAlert reads message/severity from src, which is either the whole
// frame (safety_alert tag) or the nested safety_alert object.
func appendAlert(src Message, fx *Effects) {
	text := src.TextOr(defaultAlertMessage, "message")
	fx.Alerts = append(fx.Alerts, AlertDraft{
		Message:  text,
		Severity: ParseSeverity(src.TextOr("", "severity")),
	})
	fx.log(LogDanger, "⚠ "+text)
}

func adoptDetail(next *Snapshot, info Message) {
	fallback := UnknownStepName
	if step, ok := next.Step(); ok {
		fallback = next.StepName(step)
	}
	d := parseDetail(info, fallback)
	next.Detail = &d
}

// setStep stores step clamped into [0, TotalSteps).
func setStep(next *Snapshot, step int) {
	if next.TotalSteps > 0 && step >= next.TotalSteps {
		step = next.TotalSteps - 1
	}
	if step < 0 {
		step = 0
	}
	next.CurrentStep = &step
}

func stepLine(s Snapshot, step int, name string) string {
	if name == "" {
		name = s.StepName(step)
	}
	return fmt.Sprintf("Step %d: %s", step+1, name)
}

func studentCount(msg Message, fallback int) int {
	if n, ok := msg.Int("student_count"); ok && n != 0 {
		return n
	}
	return fallback
}
