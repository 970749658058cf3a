package imagestore

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Key identifies one stored entry: the image type plus a name-based UUID of the source URL.
type Key struct {
	Type   string
	Entity uuid.UUID
}

// NewKey derives the key for (imageType, rawURL). The same pair always yields the same key.
func NewKey(imageType, rawURL string) Key {
	return Key{Type: imageType, Entity: EntityID(rawURL)}
}

// EntityID is the SHA-1 name-based UUID of the NFC-normalised URL string.
func EntityID(rawURL string) uuid.UUID {
	normalized := norm.NFC.String(strings.TrimSpace(rawURL))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalized))
}

func (k Key) String() string {
	return k.Type + "/" + k.Entity.String()
}
