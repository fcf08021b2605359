package relstore

import "github.com/google/uuid"

func newPrefixedID(prefix string) string {
	return prefix + uuid.NewString()
}
