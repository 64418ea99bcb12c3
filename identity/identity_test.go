package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompose_Deterministic(t *testing.T) {
	a := Compose("bucket", "img/croissant.jpg", "1712")
	b := Compose("bucket", "img/croissant.jpg", "1712")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.True(t, Valid(a))
}

func TestCompose_KnownValue(t *testing.T) {
	sum := sha256.Sum256([]byte("b:n:7"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Compose("b", "n", "7"))
}

func TestCompose_GenerationMatters(t *testing.T) {
	assert.NotEqual(t, Compose("b", "n", "1"), Compose("b", "n", "2"))
	assert.NotEqual(t, Compose("b", "n1", "1"), Compose("b", "n2", "1"))
}

func TestCompose_DefaultGeneration(t *testing.T) {
	assert.Equal(t, Compose("b", "n", "0"), Compose("b", "n", ""))
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-an-id"))
	assert.False(t, Valid(Compose("b", "n", "1")[:63]+"Z"))
}
