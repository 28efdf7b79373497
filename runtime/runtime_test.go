package runtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNameConflict(t *testing.T) {
	wrapped := fmt.Errorf("%w: %q: already taken", ErrNameConflict, "test_db")
	assert.True(t, IsNameConflict(wrapped))
	assert.True(t, IsNameConflict(ErrNameConflict))
	assert.False(t, IsNameConflict(ErrContainerNotFound))
	assert.False(t, IsNameConflict(errors.New("container name already in use")))
	assert.False(t, IsNameConflict(nil))
}

func TestBuildError(t *testing.T) {
	cause := errors.New("exit status 1")

	t.Run("with build tool detail", func(t *testing.T) {
		err := &BuildError{Tag: "forgekit:test", Detail: "COPY seed.sql: file not found", Err: cause}
		assert.Contains(t, err.Error(), "forgekit:test")
		assert.Contains(t, err.Error(), "COPY seed.sql: file not found")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("without detail", func(t *testing.T) {
		err := &BuildError{Tag: "forgekit:test", Err: cause}
		assert.Contains(t, err.Error(), "exit status 1")
	})
}
