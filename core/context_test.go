// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/adserver/core"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/News/A/", "/news/a"},
		{"/news/a?utm=x", "/news/a"},
		{"/news/a#section", "/news/a"},
		{"news/a", "/news/a"},
		{"  /news/a  ", "/news/a"},
		{"/", ""},
		{"", ""},
		{"/news/a/?q=1#frag", "/news/a"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, core.NormalizePath(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeContextDefaults(t *testing.T) {
	require := require.New(t)

	sc := core.NormalizeContext(core.RawContext{
		Placement: " after_hero ",
		PageType:  "WEIRD",
		Device:    "fridge",
		Country:   " de ",
	})

	require.Equal("after_hero", sc.Placement)
	require.Equal(core.PageOther, sc.PageType)
	require.Equal(core.DeviceDesktop, sc.Device)
	require.Equal("DE", sc.Country)
	require.Equal("other:/", sc.PageKey)
}

func TestNormalizeContextPageKey(t *testing.T) {
	require := require.New(t)

	sc := core.NormalizeContext(core.RawContext{
		PageType: "Article",
		PagePath: "/News/Story-1/",
	})
	require.Equal(core.PageArticle, sc.PageType)
	require.Equal("/news/story-1", sc.PagePath)
	require.Equal("article:/news/story-1", sc.PageKey)

	// Without a path the content id anchors the page key; the article id
	// wins over the category id.
	sc = core.NormalizeContext(core.RawContext{
		PageType:   "article",
		ArticleID:  "a-9",
		CategoryID: "tech",
	})
	require.Equal("article:#a-9", sc.PageKey)
}

func TestNormalizeContextDeterministic(t *testing.T) {
	require := require.New(t)

	raw := core.RawContext{
		Placement: "in_article",
		PageType:  "article",
		PagePath:  "/News/A?ref=rss",
		Device:    "Mobile",
		Country:   "us",
		Identity:  core.Identity{SessionToken: "tok"},
	}
	require.Equal(core.NormalizeContext(raw), core.NormalizeContext(raw))
}
