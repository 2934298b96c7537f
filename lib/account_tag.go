package lib

import (
	"crypto/sha256"
	"encoding/hex"
)

// AccountTag is a stable identifier derived from the server and the user name,
// used to name per-account directories.
func AccountTag(serverURL, username string) string {
	hasher := sha256.New()
	hasher.Write([]byte(username))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(serverURL))
	hasher.Write([]byte("\n"))
	return hex.EncodeToString(hasher.Sum(nil))
}
