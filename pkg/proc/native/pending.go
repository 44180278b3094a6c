package native

import "github.com/defora/debugger/pkg/proc"

type pendingState uint8

const (
	noRequest pendingState = iota
	pendingRequest
)

// pendingSlot is the deferred request of a traced process. It is either
// empty or holds the one request to issue when the next stop is observed;
// storing into a full slot replaces its request.
type pendingSlot struct {
	state pendingState
	req   proc.Request
}

// store defers req. If the slot was full it returns the request req
// replaced.
func (p *pendingSlot) store(req proc.Request) (prev proc.Request, replaced bool) {
	prev, replaced = p.req, p.state == pendingRequest
	p.state = pendingRequest
	p.req = req
	return prev, replaced
}

// take empties the slot and returns its request, if any.
func (p *pendingSlot) take() (proc.Request, bool) {
	if p.state == noRequest {
		return proc.Request{}, false
	}
	req := p.req
	p.clear()
	return req, true
}

func (p *pendingSlot) clear() {
	p.state = noRequest
	p.req = proc.Request{}
}
