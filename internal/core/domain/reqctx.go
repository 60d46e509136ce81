package domain

import (
	"time"
)

// RequestContext carries per-request identity and tracing data explicitly
// through service calls. It is built once at the HTTP boundary; nothing in
// the core reads request state from implicit globals.
type RequestContext struct {
	RequestID  string
	ActorID    string // authenticated principal: account id or key prefix
	AccountRef string
	IP         string
	UserAgent  string
	OptInDebug bool
	Deadline   time.Time
}

// WithActor returns a copy bound to an authenticated principal.
func (rc RequestContext) WithActor(actorID, accountRef string) RequestContext {
	rc.ActorID = actorID
	rc.AccountRef = accountRef
	return rc
}
