package testenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicError(t *testing.T) {
	assert.Equal(t, "rootless Docker not found", panicError{"rootless Docker not found"}.Error())
}

func TestRequireDockerNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() { _ = dockerHealth() })
}
