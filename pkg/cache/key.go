package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const keySep = "|"

// Key joins a namespace and the request text into a cache key.
func Key(namespace, text string) string {
	return namespace + keySep + text
}

// SplitKey returns the namespace and text of a key built by Key.
// A key without a separator has an empty namespace.
func SplitKey(key string) (namespace, text string) {
	if ns, t, ok := strings.Cut(key, keySep); ok {
		return ns, t
	}
	return "", key
}

// Namespace fingerprints everything about a request except its text:
// the operation kind, the model and a hash of the options.
func Namespace(kind, model string, options any) string {
	data, err := json.Marshal(options)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return kind + ":" + model + ":" + hex.EncodeToString(sum[:6])
}
