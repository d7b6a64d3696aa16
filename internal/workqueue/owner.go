package workqueue

import "github.com/google/uuid"

// NewOwnerToken generates a fresh opaque owner token. Every dispatcher pass
// must call this exactly once per pass and never reuse a token across
// passes, so a claim from a previous, lease-lost pass can't ack by
// accident.
func NewOwnerToken() string {
	return uuid.New().String()
}
