package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dev (unknown, built unknown)", Get().String())

	i := Info{Version: "v0.3.1", GitSHA: "0123456789abcdef", BuildTime: "2026-10-18T09:00:00Z"}
	assert.Equal(t, "v0.3.1 (0123456, built 2026-10-18T09:00:00Z)", i.String())
}
