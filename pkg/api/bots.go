// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import "strings"

// botMarkers are user agent fragments of crawlers, link previewers and
// scripted clients.
var botMarkers = []string{
	"bot", "crawl", "spider", "slurp", "archiver", "scrapy", "headless",
	"lighthouse", "pingdom", "facebookexternalhit", "embedly", "whatsapp",
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
	"java/", "okhttp", "axios/", "node-fetch", "libwww-perl", "httpclient",
}

// isBot reports whether a user agent belongs to an automated client.
// A missing user agent is not enough to tell.
func isBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, m := range botMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}
