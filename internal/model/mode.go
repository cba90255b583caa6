package model

// ScanMode selects what a single scan run does.
type ScanMode int

const (
	// ModeEvaluate runs a fresh evaluation of the opened document.
	ModeEvaluate ScanMode = iota
	// ModeOnlineRemediation evaluates and applies fixes in the same run.
	ModeOnlineRemediation
	// ModeOfflineRemediation applies fixes to a previously captured ARF
	// without re-running checks.
	ModeOfflineRemediation
)

func (m ScanMode) String() string {
	switch m {
	case ModeEvaluate:
		return "evaluate"
	case ModeOnlineRemediation:
		return "online-remediation"
	case ModeOfflineRemediation:
		return "offline-remediation"
	default:
		return "unknown"
	}
}
