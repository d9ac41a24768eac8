package intent_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/intent"
	"github.com/stretchr/testify/assert"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("boom")

	wrapped := intent.Wrap(base, intent.Indispensable)

	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, intent.Indispensable, intent.Of(wrapped))
	assert.Equal(t, intent.Indispensable, intent.Of(fmt.Errorf("outer: %w", wrapped)))
	assert.Equal(t, intent.Dispensable, intent.Of(base))
	assert.NoError(t, intent.Wrap(nil, intent.Indispensable))
	assert.Equal(t, "indispensable: boom", wrapped.Error())
}
