// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key derivation for frequency scoping, event de-duplication and the
// targeting result cache. Every function here is pure: identical inputs
// always produce identical keys, and no key depends on argument order
// where the input is a set.

// IdentityKey derives the scoping key for a visitor, preferring the
// authenticated user id over the anonymous session token. Returns the
// empty string when no identity is available.
func IdentityKey(id Identity) string {
	if id.UserID != "" {
		return "u:" + id.UserID
	}
	if id.SessionToken != "" {
		return "s:" + id.SessionToken
	}
	return ""
}

// SessionScopedKey derives the scoping key for session-bound policies.
// Unlike IdentityKey it prefers the session token, so a login mid-session
// does not reset once_per_session state.
func SessionScopedKey(id Identity) string {
	if id.SessionToken != "" {
		return "s:" + id.SessionToken
	}
	if id.UserID != "" {
		return "u:" + id.UserID
	}
	return ""
}

// PageKey combines the normalized page type and path into a short stable
// page identifier, falling back to an explicit content id when the path
// is empty.
func PageKey(pageType PageType, path, contentID string) string {
	if path == "" {
		if contentID != "" {
			return string(pageType) + ":#" + contentID
		}
		return string(pageType) + ":/"
	}
	return string(pageType) + ":" + path
}

// DedupeKey fingerprints the logical identity of an event. Two
// submissions with the same type, creative, page, identity and client
// event id collapse onto the same key regardless of timing.
func DedupeKey(t EventType, creativeID, pageKey, identityKey, externalEventID string) string {
	h := sha256.New()
	writeField(h, string(t))
	writeField(h, creativeID)
	writeField(h, pageKey)
	writeField(h, identityKey)
	writeField(h, externalEventID)
	return hex.EncodeToString(h.Sum(nil))
}

// ContextSignature hashes the targeting-relevant parts of a request into
// a cache key. Exclusion sets are sorted first so the signature is
// independent of caller ordering.
func ContextSignature(placement string, sc ServingContext, excludeIDs []string) string {
	sorted := make([]string, len(excludeIDs))
	copy(sorted, excludeIDs)
	sort.Strings(sorted)

	h := sha256.New()
	writeField(h, placement)
	writeField(h, string(sc.PageType))
	writeField(h, sc.PagePath)
	writeField(h, string(sc.Device))
	writeField(h, sc.Country)
	writeField(h, sc.CategoryID)
	writeField(h, sc.ArticleID)
	if sc.Identity.Anonymous() {
		writeField(h, "guest")
	} else if sc.Identity.UserID != "" {
		writeField(h, "user")
	} else {
		writeField(h, "session")
	}
	writeField(h, strings.Join(sorted, ","))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// writeField writes a length-prefixed field so adjacent fields can never
// bleed into each other ("ab","c" must not collide with "a","bc").
func writeField(h interface{ Write(p []byte) (int, error) }, s string) {
	var lenbuf [4]byte
	n := len(s)
	lenbuf[0] = byte(n >> 24)
	lenbuf[1] = byte(n >> 16)
	lenbuf[2] = byte(n >> 8)
	lenbuf[3] = byte(n)
	h.Write(lenbuf[:])
	h.Write([]byte(s))
}
