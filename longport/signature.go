package longport

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const signedHeaders = "authorization;x-api-key;x-timestamp"

// formatTimestamp renders t as fractional unix seconds with millisecond
// precision, the form the backend expects in X-Timestamp.
func formatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

// sign computes the X-Api-Signature header value for one request.
//
// The canonical string is
//
//	METHOD|PATH|QUERY|authorization:TOKEN\nx-api-key:KEY\nx-timestamp:TS\n|SIGNED_HEADERS|BODY_SHA1
//
// hashed with SHA-1, prefixed with "HMAC-SHA256|", and MACed with the app
// secret under HMAC-SHA256.
func sign(method, path, query, appKey, accessToken, appSecret, timestamp string, body []byte) string {
	canonical := method + "|" + path + "|" + query +
		"|authorization:" + accessToken +
		"\nx-api-key:" + appKey +
		"\nx-timestamp:" + timestamp +
		"\n|" + signedHeaders + "|"
	if len(body) > 0 {
		bodyHash := sha1.Sum(body)
		canonical += hex.EncodeToString(bodyHash[:])
	}

	canonicalHash := sha1.Sum([]byte(canonical))
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte("HMAC-SHA256|" + hex.EncodeToString(canonicalHash[:])))

	return fmt.Sprintf("HMAC-SHA256 SignedHeaders=%s, Signature=%s",
		signedHeaders, hex.EncodeToString(mac.Sum(nil)))
}
