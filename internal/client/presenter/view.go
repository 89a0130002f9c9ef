// Package presenter turns job snapshots into what the user sees.
package presenter

import (
	"errors"

	"breedscope.app/internal/client"
	"breedscope.app/internal/client/jobstate"
)

type Kind int

const (
	KindNone Kind = iota
	KindSpinner
	KindProgress
	KindResult
	KindAlert
	// KindWarning is a failure whose outcome is unknown, such as a dropped connection.
	KindWarning
)

// View is everything a renderer needs. It holds no state of its own.
type View struct {
	Kind     Kind
	JobID    string
	Progress int
	ImageURL string
	Message  string
}

// Resolver maps an artifact reference to a URL.
type Resolver func(ref string) string

// Derive computes the view for s.
func Derive(s jobstate.Snapshot, resolve Resolver) View {
	v := View{JobID: s.JobID, Progress: s.Progress}
	switch s.Phase {
	case jobstate.Pending:
		v.Kind = KindSpinner
	case jobstate.Streaming:
		v.Kind = KindProgress
	case jobstate.Completed:
		v.Kind = KindResult
		v.Progress = 100
		v.ImageURL = s.ResultRef
		if resolve != nil {
			v.ImageURL = resolve(s.ResultRef)
		}
	case jobstate.Failed:
		v.Kind = KindAlert
		v.Message = s.Message
		if errors.Is(s.Err, client.ErrConnectionLost) {
			v.Kind = KindWarning
			v.Message = "Lost connection to the analysis; the result is inconclusive. Submit again to retry."
		}
	default:
		v.Kind = KindNone
	}
	return v
}
