package redis

// Caller is the generic verb dispatch implemented by clients and
// connections: an arbitrary command whose outcome arrives on the
// returned promise.
type Caller interface {
	Call(cmd string, args ...interface{}) *Promise
}

// Sync provides a synchronous interface over an asynchronous Caller.
type Sync struct {
	C Caller
}

// Do issues cmd and blocks until the reply arrives. The result is either
// a decoded reply value or an error (errors-as-results convention).
func (s Sync) Do(cmd string, args ...interface{}) interface{} {
	res, err := s.C.Call(cmd, args...).Result()
	if err != nil {
		return err
	}
	return res
}
