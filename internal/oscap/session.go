package oscap

// Session is a read-only view on what is being scanned.
type Session interface {
	// OpenedFilePath is the SCAP document under evaluation.
	OpenedFilePath() string
	HasTailoring() bool
	// TailoringFilePath is the effective tailoring file, possibly
	// generated from in-memory customizations.
	TailoringFilePath() string
	// UserTailoringFilePath is the tailoring file as the user named it,
	// used for command line previews.
	UserTailoringFilePath() string
	Profile() string
}

// FileSession is the plain file-based Session used by the CLI.
type FileSession struct {
	Document  string
	Tailoring string
	ProfileID string
}

func (s FileSession) OpenedFilePath() string        { return s.Document }
func (s FileSession) HasTailoring() bool            { return s.Tailoring != "" }
func (s FileSession) TailoringFilePath() string     { return s.Tailoring }
func (s FileSession) UserTailoringFilePath() string { return s.Tailoring }
func (s FileSession) Profile() string               { return s.ProfileID }
