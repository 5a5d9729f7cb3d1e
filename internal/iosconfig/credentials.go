package iosconfig

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// DefaultPasswordLength is the length of generated device passwords.
const DefaultPasswordLength = 20

// GeneratedPasswordPrefix marks the warning carrying a freshly generated
// password. Callers that redact or escrow credentials key on this prefix.
const GeneratedPasswordPrefix = "Generated password: "

const (
	passwordSymbols  = "!@#$%&*"
	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789" + passwordSymbols
)

// GeneratePassword returns a cryptographically random password of the
// given length containing at least one upper-case letter, one lower-case
// letter, one digit, and one symbol. r defaults to crypto/rand.Reader
// when nil; tests inject a deterministic reader.
func GeneratePassword(r io.Reader, length int) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	if length < 4 {
		length = DefaultPasswordLength
	}
	// Rejection sampling keeps the character distribution uniform.
	const acceptLimit = 256 - 256%len(passwordAlphabet)
	buf := make([]byte, 1)
	for {
		password := make([]byte, 0, length)
		for len(password) < length {
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", fmt.Errorf("read random bytes: %w", err)
			}
			if int(buf[0]) >= acceptLimit {
				continue
			}
			password = append(password, passwordAlphabet[int(buf[0])%len(passwordAlphabet)])
		}
		if passwordMeetsPolicy(string(password)) {
			return string(password), nil
		}
	}
}

func passwordMeetsPolicy(password string) bool {
	var upper, lower, digit, symbol bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= '0' && c <= '9':
			digit = true
		case strings.ContainsRune(passwordSymbols, c):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}

// CredentialRotation parameterizes a credential rotation. An empty
// NewPassword generates a random one; an empty Username rotates "admin".
// Rand is the entropy source for generation and defaults to
// crypto/rand.Reader.
type CredentialRotation struct {
	NewPassword string
	Username    string
	Rand        io.Reader
}

// BuildCredentialRotation builds commands rotating the enable secret and
// one local user secret to a fresh password, hashed with sha256 on the
// device. Hashed secrets cannot be reversed, so the rollback entries for
// pre-existing secrets are explicit "! WARNING" lines: surfacing the
// impossibility beats emitting a silently-wrong command. A brand-new user
// does get a real rollback ("no username ...").
func BuildCredentialRotation(parsed ParsedConfig, rot CredentialRotation) (ChangeResult, error) {
	var result ChangeResult

	password := rot.NewPassword
	if password == "" {
		generated, err := GeneratePassword(rot.Rand, DefaultPasswordLength)
		if err != nil {
			return ChangeResult{}, err
		}
		password = generated
	}
	username := rot.Username
	if username == "" {
		username = "admin"
	}

	result.Warnings = append(result.Warnings, GeneratedPasswordPrefix+password)

	result.Commands = append(result.Commands, fmt.Sprintf("enable algorithm-type sha256 secret 0 %s", password))
	if parsed.EnableSecretPresent {
		result.RollbackCommands = append(result.RollbackCommands,
			"! WARNING: Cannot reverse hashed password. Manual reset required.")
	} else {
		result.RollbackCommands = append(result.RollbackCommands, "no enable secret")
	}

	if user, ok := parsed.Users[username]; ok {
		priv := 15
		if user.Privilege != nil {
			priv = *user.Privilege
		}
		result.Commands = append(result.Commands,
			fmt.Sprintf("username %s privilege %d algorithm-type sha256 secret 0 %s", username, priv, password))
		result.RollbackCommands = append(result.RollbackCommands, fmt.Sprintf(
			"! WARNING: Cannot reverse hashed password for user '%s'. Manual reset required.", username))
	} else {
		result.Commands = append(result.Commands,
			fmt.Sprintf("username %s privilege 15 algorithm-type sha256 secret 0 %s", username, password))
		result.RollbackCommands = append(result.RollbackCommands, "no username "+username)
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"User '%s' not found in config, creating new user", username))
	}

	result.Warnings = append(result.Warnings, "Rollback for credential rotation requires manual password reset")

	return result, nil
}
