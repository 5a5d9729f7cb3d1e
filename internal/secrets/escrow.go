// Package secrets provides age-based escrow for generated device
// credentials.
//
// Credential rotation produces plaintext passwords that operators need
// but that must not sit readable in the job store. When escrow
// recipients are configured, each password is sealed to their age
// X25519 public keys and recorded as an ASCII-armored blob; operators
// open it offline with their identity file. Sealing happens entirely
// in memory and this package never writes plaintext to disk.
package secrets

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Record is one escrowed credential.
type Record struct {
	Label  string `json:"label"`
	Secret string `json:"secret"`
}

// ParseRecipients parses age X25519 public keys ("age1..."). Blank
// entries and #-comments are skipped; at least one usable key is
// required.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	var recipients []age.Recipient
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	if len(recipients) == 0 {
		return nil, errors.New("no age recipients found")
	}
	return recipients, nil
}

// ParseIdentities extracts age identities from an identities file.
// Only AGE-SECRET-KEY lines are considered; blanks and comments are
// skipped.
func ParseIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}

// Encrypt seals a labelled secret to the recipients, returning an
// ASCII-armored blob safe to store in events and logs.
func Encrypt(recipients []age.Recipient, label, secret string) (string, error) {
	if len(recipients) == 0 {
		return "", errors.New("no escrow recipients")
	}
	payload, err := json.Marshal(Record{Label: label, Secret: secret})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	armorWriter := armor.NewWriter(&buf)
	w, err := age.Encrypt(armorWriter, recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return "", fmt.Errorf("write escrow payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close age writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}

// Decrypt opens an armored escrow blob with any of the identities.
func Decrypt(armored string, identities ...age.Identity) (Record, error) {
	if len(identities) == 0 {
		return Record{}, errors.New("no age identities")
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(armored)), identities...)
	if err != nil {
		return Record{}, fmt.Errorf("age decrypt: %w", err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return Record{}, fmt.Errorf("read escrow payload: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("parse escrow payload: %w", err)
	}
	return record, nil
}
