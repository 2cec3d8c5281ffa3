// Package testenv holds guards for integration tests.
package testenv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// RequireDocker skips t unless a Docker daemon answers. testcontainers
// panics when it cannot resolve a Docker host, so the probe recovers.
func RequireDocker(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	if err := dockerHealth(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
}

func dockerHealth() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	p, err := testcontainers.NewDockerProvider()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Health(ctx)
}

type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprint(e.v) }
