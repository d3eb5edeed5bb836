package session

type SessionState string

const (
	SessionConnected SessionState = "connected"
	SessionActive    SessionState = "active"
	SessionClosing   SessionState = "closing"
	SessionClosed    SessionState = "closed"
)

type BufferState string

const (
	BufferOpening  BufferState = "opening"
	BufferSynced   BufferState = "synced"
	BufferDegraded BufferState = "degraded"
	BufferClosed   BufferState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionConnected: {SessionActive, SessionClosing},
	SessionActive:    {SessionClosing},
	SessionClosing:   {SessionClosed},
}

var bufferTransitions = map[BufferState][]BufferState{
	BufferOpening:  {BufferSynced, BufferDegraded, BufferClosed},
	BufferSynced:   {BufferSynced, BufferDegraded, BufferClosed},
	BufferDegraded: {BufferSynced, BufferDegraded, BufferClosed},
}

func (s SessionState) canMoveTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s BufferState) canMoveTo(next BufferState) bool {
	for _, allowed := range bufferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
