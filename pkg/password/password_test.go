package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashWithIterations("correct horse", 1000)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "pbkdf2$sha256$1000$"))

	assert.NoError(t, Verify(hash, "correct horse"))
	assert.ErrorIs(t, Verify(hash, "wrong horse"), ErrMismatch)
}

func TestHash_SaltIsRandom(t *testing.T) {
	a, err := HashWithIterations("secret", 1000)
	require.NoError(t, err)
	b, err := HashWithIterations("secret", 1000)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_MalformedHash(t *testing.T) {
	tests := []string{
		"",
		"plain",
		"bcrypt$sha256$1000$c2FsdA$a2V5",
		"pbkdf2$sha256$zero$c2FsdA$a2V5",
		"pbkdf2$sha256$1000$!!!$a2V5",
	}
	for _, encoded := range tests {
		err := Verify(encoded, "secret")
		assert.Error(t, err, encoded)
		assert.NotErrorIs(t, err, ErrMismatch, encoded)
	}
}

func TestHashWithIterations_Invalid(t *testing.T) {
	_, err := HashWithIterations("secret", 0)
	assert.Error(t, err)
}
