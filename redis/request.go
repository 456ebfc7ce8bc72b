package redis

// Req builds a Request as a convenient shortcut.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request is a command with arguments. Cmd is sent verbatim; arguments
// stringify by their natural textual form (see resp.AppendRequest).
type Request struct {
	Cmd  string
	Args []interface{}
}
