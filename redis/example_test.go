package redis_test

import (
	"fmt"

	. "github.com/joomcode/redisward/redis"
)

func ExamplePromise() {
	p := NewPromise()
	p.OnSuccess(func(v interface{}) { fmt.Println("resolved with", v) })
	p.Succeed("OK")

	// a listener attached after resolution fires immediately
	p.OnSuccess(func(v interface{}) { fmt.Println("late observer saw", v) })
	// Output:
	// resolved with OK
	// late observer saw OK
}

func ExampleBus() {
	b := NewBus()
	b.On("greeting", func(args ...interface{}) { fmt.Println("hello,", args[0]) })
	b.Emit("greeting", "world")
	// Output: hello, world
}
