package router

// State is the subscription mode of a router.
//
//	GenericOnly -> SessionScoped -> SessionScoped (new id) ... -> Closed
//
// Failed is entered on a subscription error and left through Retry.
type State int

const (
	// GenericOnly listens on the engine-wide channels; the session id is
	// not known yet.
	GenericOnly State = iota
	// SessionScoped listens on the channels of one session id and ignores
	// engine-wide traffic.
	SessionScoped
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case GenericOnly:
		return "generic_only"
	case SessionScoped:
		return "session_scoped"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}
