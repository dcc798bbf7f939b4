package sitehandler

import (
	"path"
	"strings"
)

// hashedAssetPrefix holds content-hashed build output, safe to cache forever
const hashedAssetPrefix = "/_next/static/"

// cacheControlForPath is the default policy, applied only when the upstream sent none.
func cacheControlForPath(urlPath string, o *Options) string {
	if strings.HasPrefix(urlPath, hashedAssetPrefix) {
		return o.AssetCacheControl
	}

	switch strings.ToLower(path.Ext(urlPath)) {
	case "", ".html":
		return o.HTMLCacheControl
	default:
		return o.OtherCacheControl
	}
}
