package optional

import (
	"github.com/Blackdeer1524/BlockDB/src/pkg/assert"
)

// Optional holds either nothing or a single value of T.
type Optional[T any] struct {
	present bool
	value   T
}

func Some[T any](value T) Optional[T] {
	return Optional[T]{
		present: true,
		value:   value,
	}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (opt *Optional[T]) Get() (T, bool) {
	return opt.value, opt.present
}

func (opt *Optional[T]) Unwrap() T {
	assert.Assert(opt.present, "unwrapping an empty optional")
	return opt.value
}

func (opt *Optional[T]) IsSome() bool {
	return opt.present
}

func (opt *Optional[T]) IsNone() bool {
	return !opt.present
}
