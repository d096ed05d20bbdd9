// Package idempotency derives deterministic, content-addressed keys for
// logical units of extraction work. Every downstream cache, queue, and
// storage path keys off these values, so two logically equivalent requests
// must always derive byte-identical keys, in-process or across processes.
//
// All functions are pure and safe for concurrent use.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// emptyParamsDigest is the fixed sentinel for an empty parameter set.
// Deliberately not a hash of the empty string: a recognizable "no params"
// marker that stays stable across hash implementations.
const emptyParamsDigest = "0000000000000000"

// shortKeyLen is the display-only short form length.
const shortKeyLen = 12

// Normalize canonicalizes request text: trimmed, lowercased, with every
// run of whitespace (including newlines) collapsed to a single space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// HashParams derives a 16-character hex digest over a parameter set.
// Nil-valued entries are dropped, the rest are sorted by key and joined as
// "key:jsonValue" pairs so that map iteration order can never leak into
// the digest. An empty set yields the fixed all-zero sentinel.
func HashParams(params map[string]any) string {
	pairs := make([]string, 0, len(params))
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return emptyParamsDigest
	}
	sort.Strings(keys)

	for _, k := range keys {
		encoded, err := json.Marshal(params[k])
		if err != nil {
			// json.Marshal only fails on unsupported types; fall back to
			// the fmt rendering so the digest stays deterministic.
			encoded = []byte(fmt.Sprintf("%v", params[k]))
		}
		pairs = append(pairs, k+":"+string(encoded))
	}

	sum := sha256.Sum256([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// ComputeKey derives the 64-character lowercase hex idempotency key for a
// (text, ontology, ontology version, params) tuple. The key is stable under
// text case and whitespace differences and under parameter reordering.
func ComputeKey(text, ontologyID, ontologyVersion string, params map[string]any) string {
	material := Normalize(text) + "|" + ontologyID + "|" + ontologyVersion + "|" + HashParams(params)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// OntologyVersion content-addresses an ontology document. Any edit to the
// ontology changes the version and therefore invalidates every key derived
// against it.
func OntologyVersion(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Short returns a 12-character prefix of a key for logging and display.
// Never use the short form for equality checks.
func Short(key string) string {
	if len(key) <= shortKeyLen {
		return key
	}
	return key[:shortKeyLen]
}
