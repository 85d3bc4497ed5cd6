package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners_ReverseOrder(t *testing.T) {
	var l Listeners[func() string]
	l.Add(func() string { return "first" })
	l.Add(func() string { return "second" })
	l.Add(func() string { return "third" })

	var got []string
	l.Each(func(fn func() string) { got = append(got, fn()) })

	assert.Equal(t, []string{"third", "second", "first"}, got)
}

func TestListeners_RemoveSelfDuringIteration(t *testing.T) {
	var l Listeners[func()]
	calls := 0

	var removeSelf func()
	removeSelf = l.Add(func() {
		calls++
		removeSelf()
	})
	l.Add(func() { calls++ })

	l.Each(func(fn func()) { fn() })
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, l.Len())

	l.Each(func(fn func()) { fn() })
	assert.Equal(t, 3, calls)
}

func TestListeners_RemoveTwice(t *testing.T) {
	var l Listeners[func()]
	remove := l.Add(func() {})
	l.Add(func() {})

	remove()
	remove()
	assert.Equal(t, 1, l.Len())
}
