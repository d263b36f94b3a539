// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"strings"
)

// RawContext is the unvalidated serving request as it arrives from the
// rendering layer. Any field may be absent or malformed.
type RawContext struct {
	Placement  string
	PageType   string
	PagePath   string
	Device     string
	Country    string
	CategoryID string
	ArticleID  string
	Section    int
	Paragraph  int
	Identity   Identity
	ExcludeIDs []string
}

// ServingContext is the normalized, comparable form of a request.
// Ephemeral, never persisted.
type ServingContext struct {
	Placement  string
	PageType   PageType
	PagePath   string
	PageKey    string
	Device     DeviceClass
	Country    string
	CategoryID string
	ArticleID  string
	Section    int
	Paragraph  int
	Identity   Identity
	ExcludeIDs []string
}

// NormalizeContext canonicalizes a raw request. Pure and deterministic:
// the same raw input always yields the same normalized output.
func NormalizeContext(raw RawContext) ServingContext {
	pageType := normalizePageType(raw.PageType)
	pagePath := NormalizePath(raw.PagePath)

	contentID := raw.ArticleID
	if contentID == "" {
		contentID = raw.CategoryID
	}

	return ServingContext{
		Placement:  strings.TrimSpace(raw.Placement),
		PageType:   pageType,
		PagePath:   pagePath,
		PageKey:    PageKey(pageType, pagePath, contentID),
		Device:     normalizeDevice(raw.Device),
		Country:    strings.ToUpper(strings.TrimSpace(raw.Country)),
		CategoryID: raw.CategoryID,
		ArticleID:  raw.ArticleID,
		Section:    raw.Section,
		Paragraph:  raw.Paragraph,
		Identity:   raw.Identity,
		ExcludeIDs: raw.ExcludeIDs,
	}
}

// NormalizePath lower-cases a page path, strips query string and
// fragment, and removes the trailing slash. The root path collapses to
// the empty string.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.ToLower(p)
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func normalizePageType(s string) PageType {
	switch PageType(strings.ToLower(strings.TrimSpace(s))) {
	case PageArticle:
		return PageArticle
	case PageCategory:
		return PageCategory
	case PageHome:
		return PageHome
	case PageSearch:
		return PageSearch
	case PageCustom:
		return PageCustom
	default:
		return PageOther
	}
}

func normalizeDevice(s string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile
	case DeviceTablet:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
