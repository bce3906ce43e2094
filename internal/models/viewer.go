package models

// ViewerKind is the rendering strategy for a blob.
type ViewerKind int

const (
	ViewerSimple ViewerKind = iota
	ViewerRendered
	ViewerBinaryOnly
)

// String returns the name used in the viewer query parameter.
func (k ViewerKind) String() string {
	switch k {
	case ViewerRendered:
		return "rich"
	case ViewerBinaryOnly:
		return "download"
	default:
		return "simple"
	}
}

// ViewerDecision is the resolver's verdict for one BlobContent.
type ViewerDecision struct {
	Kind   ViewerKind
	Reason string
}

// LoadPhase is the lifecycle position of a BlobViewer.
type LoadPhase int

const (
	PhaseIdle LoadPhase = iota
	PhaseLoading
	PhaseLoaded
	PhaseFailed
)

func (p LoadPhase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// LoadState is a snapshot of a BlobViewer. Content and Decision are set only
// in PhaseLoaded; Err only in PhaseFailed.
type LoadState struct {
	Phase      LoadPhase
	Generation uint64
	Reference  BlobReference
	Content    *BlobContent
	Decision   ViewerDecision
	Err        *BlobError
}

// Terminal reports whether the state ends a load attempt.
func (s LoadState) Terminal() bool {
	return s.Phase == PhaseLoaded || s.Phase == PhaseFailed
}

// ErrorKind returns the failure kind, or KindUnknown when not failed.
func (s LoadState) ErrorKind() ErrorKind {
	if s.Err == nil {
		return KindUnknown
	}
	return s.Err.Kind
}

// CanRetry reports whether a retry action should be offered to the user.
func (s LoadState) CanRetry() bool {
	return s.Phase == PhaseFailed && s.Err != nil && s.Err.Retryable()
}
