// Package privacy classifies content into sensitivity classes.
//
// Classification is pure and deterministic: the same content and hint always
// produce the same class. Writers consult the classifier before any frame is
// indexed; the semantic index enforces the private boundary again as a second
// line of defense.
package privacy

import "fmt"

// Class is a content sensitivity class. Higher values are more restrictive.
type Class int

const (
	// Public content may be indexed in any queryable collection.
	Public Class = iota

	// Sensitive content is indexed but flagged; callers may apply stricter
	// handling downstream.
	Sensitive

	// Private content must never produce an entry in an externally queryable
	// collection. It is retrievable only by direct raw store lookup.
	Private
)

// String returns the class name as stored in frame headers and config.
func (c Class) String() string {
	switch c {
	case Public:
		return "public"
	case Sensitive:
		return "sensitive"
	case Private:
		return "private"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ClassFromString parses a class name. Unknown names resolve to Private:
// over-protection is the safe failure mode.
func ClassFromString(s string) Class {
	switch s {
	case "public":
		return Public
	case "sensitive":
		return Sensitive
	default:
		return Private
	}
}

// MoreRestrictive returns the stricter of two classes.
func MoreRestrictive(a, b Class) Class {
	if a > b {
		return a
	}
	return b
}

// Indexable reports whether content of this class may enter the semantic index.
func (c Class) Indexable() bool {
	return c != Private
}
