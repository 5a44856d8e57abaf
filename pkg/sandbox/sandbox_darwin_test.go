package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfile(t *testing.T) {
	p := profile(Toolchain("/work/gguf-1"), "/Users/alice", "/work/gguf-1")
	assert.Contains(t, p, "(deny network*)")
	assert.Contains(t, p, `(subpath "/work/gguf-1"))`)
	assert.Contains(t, p, `(subpath "/Users/alice/.ssh")`)

	p = profile(Policy{Network: true}, "/Users/alice", "/tmp")
	assert.NotContains(t, p, "network")
}
