package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// minAdminTokenScore is the zxcvbn score (0-4) an admin credential must
// reach; below it the token is guessable enough to refuse at boot.
const minAdminTokenScore = 3

// IsWeakToken reports whether an admin credential is too guessable to
// protect the key-management surface. An empty token disables that surface
// entirely, so it is not treated as weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(token, nil)
	return result.Score < minAdminTokenScore
}
