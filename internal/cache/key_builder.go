package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/goccy/go-json"
)

// ReportRequest is the identity of a report. Cities, Zipcodes and Hobbies
// are order-independent; duplicates still count.
type ReportRequest struct {
	Cities   []string
	Zipcodes []string
	Person   string
	Hobbies  []string
	Language string
}

// Fingerprint is the lowercase hex SHA-256 of a request's canonical form.
type Fingerprint string

// canonicalRequest fields are declared in key order so the encoding has
// sorted keys.
type canonicalRequest struct {
	Cities   []string `json:"cities"`
	Hobbies  []string `json:"hobbies"`
	Language string   `json:"language"`
	Person   string   `json:"person"`
	Zipcodes []string `json:"zipcodes"`
}

// BuildFingerprint is pure and never fails. Nil and empty slices are
// equivalent.
func BuildFingerprint(req ReportRequest) Fingerprint {
	canonical := canonicalRequest{
		Cities:   sortedCopy(req.Cities),
		Hobbies:  sortedCopy(req.Hobbies),
		Language: req.Language,
		Person:   req.Person,
		Zipcodes: sortedCopy(req.Zipcodes),
	}

	// A struct of strings and string slices always encodes.
	body, _ := json.Marshal(canonical)

	sum := sha256.Sum256(body)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Key renders the storage key, <prefix>:report:<hex>.
func (f Fingerprint) Key(prefix string) string {
	if prefix == "" {
		return "report:" + string(f)
	}
	return prefix + ":report:" + string(f)
}

// KeyPattern matches every key Key produces for prefix.
func KeyPattern(prefix string) string {
	return Fingerprint("*").Key(prefix)
}

// Short returns an abbreviated fingerprint for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
