package oscap

// Builder assembles oscap argument vectors for the supported scan modes.
// The methods are pure, they only read the session and the capability
// descriptor.
type Builder struct {
	Session Session
	Caps    Capabilities
}

// EvaluationArgs builds the `xccdf eval` vector for a fresh evaluation.
// With ignoreCapabilities set every capability gate is treated as
// satisfied, which dry runs use to show the full command line.
func (b Builder) EvaluationArgs(documentPath, tailoringPath, resultPath, reportPath, arfPath string, onlineRemediation, ignoreCapabilities bool) []string {
	args := []string{"xccdf", "eval", "--oval-results"}

	if ignoreCapabilities || b.Caps.ProgressReporting() {
		args = append(args, "--progress")
	}
	if p := b.Session.Profile(); p != "" {
		args = append(args, "--profile", p)
	}
	if tailoringPath != "" && (ignoreCapabilities || b.Caps.TailoringSupport()) {
		args = append(args, "--tailoring-file", tailoringPath)
	}
	args = append(args, "--results", resultPath)
	if ignoreCapabilities || b.Caps.ARFOutput() {
		args = append(args, "--results-arf", arfPath)
	}
	args = append(args, "--report", reportPath)
	if onlineRemediation {
		args = append(args, "--remediate")
	}
	args = append(args, documentPath)
	return args
}

// OfflineRemediationArgs builds the `xccdf remediate` vector applying
// fixes recorded in a previously captured ARF.
func (b Builder) OfflineRemediationArgs(inputARFPath, resultPath, reportPath, arfPath string, ignoreCapabilities bool) []string {
	args := []string{"xccdf", "remediate"}

	if ignoreCapabilities || b.Caps.ProgressReporting() {
		args = append(args, "--progress")
	}
	args = append(args, "--results", resultPath)
	if ignoreCapabilities || b.Caps.ARFOutput() {
		args = append(args, "--results-arf", arfPath)
	}
	args = append(args, "--report", reportPath)
	args = append(args, inputARFPath)
	return args
}

// RoleArgs builds the `xccdf generate fix` vector producing a
// remediation role from a captured ARF. The shape is fixed.
func RoleArgs(fixType, outputPath, profileID, arfPath string) []string {
	return []string{
		"xccdf", "generate", "fix",
		"--fix-type", fixType,
		"--output", outputPath,
		"--result-id", profileID,
		arfPath,
	}
}
