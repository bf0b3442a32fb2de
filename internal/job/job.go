package job

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Job is one submit-to-serve unit of work.
type Job struct {
	ID        string
	SourceURL string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	idLength   = 5
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// reservedIDs are never issued because they collide with hostnames or paths
// that mean something else.
var reservedIDs = map[string]struct{}{
	"api":    {},
	"dist":   {},
	"status": {},
	"utils":  {},
	"www":    {},
}

var idPattern = regexp.MustCompile(`^[0-9a-z]{5}$`)

// NewID returns a fresh random id that isn't reserved.
// It doesn't check whether the id is already in use; StatusStore.Create does.
func NewID() (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	for {
		var b strings.Builder
		for range idLength {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(idAlphabet[n.Int64()])
		}
		id := b.String()
		if !IsReservedID(id) {
			return id, nil
		}
	}
}

// IsReservedID reports whether id is one of the literals that are never issued.
func IsReservedID(id string) bool {
	_, reserved := reservedIDs[strings.ToLower(id)]
	return reserved
}

// ValidID reports whether id has the shape of an issued id.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !IsReservedID(id)
}

var sourceURLPattern = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9_-]+)/([A-Za-z0-9_-]+)(\.git)?$`)

// ValidateSourceURL checks that u is an allow-listed repository reference.
// It returns an error wrapping ErrInvalidRequest otherwise.
func ValidateSourceURL(u string) error {
	if u == "" {
		return invalidRequest("missing source url")
	}
	if !sourceURLPattern.MatchString(u) {
		return invalidRequest("unsupported source url: only public https github.com/{owner}/{repo} urls are allowed")
	}
	return nil
}
