package id

import "github.com/google/uuid"

// New returns a random batch identifier.
func New() string {
	return uuid.NewString()
}
