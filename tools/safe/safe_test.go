package safe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(new(int), "ok") })
	assert.NotPanics(t, func() { MustNotNil("value", "string") })
}

func TestGoRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(zap.NewNop(), "test", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}
