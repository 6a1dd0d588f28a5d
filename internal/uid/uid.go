// Package uid generates short, collision-resistant identifiers used for
// RoutedBundle IDs and as a hashing source for the EID-intern pointer cache.
// Adapted from aistore's cmn/cos (GenUUID / HashK8sProxyID), which combines
// teris-io/shortid with OneOfOne/xxhash rather than crypto/rand + base64.
package uid

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9

var (
	once sync.Once
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func lazyInit() {
	once.Do(func() {
		sid = shortid.MustNew(1, uuidABC, 0)
	})
}

// Gen returns a new short, URL-safe identifier (cmd/upcnd's store ID for
// each ingested bundle, which is also its identifier-cache key).
func Gen() string {
	lazyInit()
	return sid.MustGenerate()
}

// Hash64 hashes a byte string for bucket placement (EID-intern pointer
// cache, node-table sharding).
func Hash64(b []byte) uint64 {
	return xxhash.Checksum64(b)
}

// Hash64S hashes a string for bucket placement.
func Hash64S(s string) uint64 {
	return xxhash.ChecksumString64(s)
}

// Tie returns a short, process-unique counter value; internal/router.Commit
// appends it to a bundle-store ID so each fragment's RoutedRef ID is
// distinct.
func Tie() string {
	tie := rtie.Add(1)
	return strconv.FormatUint(uint64(tie), 36)
}
