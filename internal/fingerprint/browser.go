package fingerprint

import "strings"

// BrowserType is the broad classification bucket a user agent falls into.
type BrowserType string

const (
	BrowserTypeMobile   BrowserType = "mobile_browser"
	BrowserTypeDesktop  BrowserType = "desktop_browser"
	BrowserTypeDownload BrowserType = "download_tool"
	BrowserTypeUnknown  BrowserType = "unknown"
)

type browserSignature struct {
	name              string
	primaryKeywords   []string
	platformKeywords  []string
	maxAccessCount    int
}

// mobileBrowsers is checked in order; qq/uc get a higher per-class limit
// than the rest.
var mobileBrowsers = []browserSignature{
	{"qq", []string{"qqbrowser", "mqqbrowser"}, []string{"mobile", "android", "iphone"}, 3},
	{"uc", []string{"ucbrowser", "ucweb"}, []string{"mobile", "android", "iphone"}, 3},
	{"baidu", []string{"baiduboxapp", "baiduhd"}, []string{"mobile", "android", "iphone"}, 2},
	{"sogou", []string{"sogoumobilebrowser", "sogousearch"}, []string{"mobile", "android", "iphone"}, 2},
	{"chrome_mobile", []string{"chrome/"}, []string{"mobile", "android", "iphone"}, 2},
	{"safari_mobile", []string{"safari/"}, []string{"mobile", "iphone", "ipad"}, 2},
	{"edge_mobile", []string{"edge/", "edga/", "edgios/"}, []string{"mobile", "android", "iphone"}, 2},
	{"firefox_mobile", []string{"firefox/", "fxios/"}, []string{"mobile", "android", "iphone"}, 2},
}

var desktopBrowsers = []browserSignature{
	{"chrome", []string{"chrome/"}, []string{"windows nt", "macintosh", "x11; linux"}, 2},
	{"firefox", []string{"firefox/"}, []string{"windows nt", "macintosh", "x11; linux"}, 2},
	{"edge", []string{"edge/", "edg/"}, []string{"windows nt", "macintosh"}, 2},
	{"safari", []string{"safari/", "version/"}, []string{"macintosh"}, 2},
	{"opera", []string{"opera/", "opr/"}, []string{"windows nt", "macintosh", "x11; linux"}, 2},
}

var downloadTools = []string{
	"wget", "curl", "aria2", "axel", "youtube-dl", "yt-dlp",
	"ffmpeg", "vlc", "mpv", "idm", "thunder", "bitcomet",
	"utorrent", "qbittorrent", "transmission", "deluge",
	"flashget", "freedownloadmanager", "eagleget",
	"python-requests", "urllib", "httplib", "go-http-client",
	"node-fetch", "axios", "okhttp",
}

var genericBrowserMarkers = []string{"mozilla", "webkit", "chrome", "safari", "firefox", "edge"}
var genericMobileMarkers = []string{"mobile", "android", "iphone", "ipad"}

// DetectBrowserType classifies a user agent and returns its class, a
// human-readable name, and the default per-class manifest access limit
// (§4.11 step 8 / check_m3u8_access_count_adaptive).
func DetectBrowserType(userAgent string) (BrowserType, string, int) {
	if userAgent == "" {
		return BrowserTypeUnknown, "unknown", 1
	}
	ua := strings.ToLower(userAgent)

	for _, tool := range downloadTools {
		if strings.Contains(ua, tool) {
			return BrowserTypeDownload, tool, 1
		}
	}

	for _, sig := range mobileBrowsers {
		if anyContains(ua, sig.primaryKeywords) && anyContains(ua, sig.platformKeywords) {
			return BrowserTypeMobile, sig.name, sig.maxAccessCount
		}
	}

	for _, sig := range desktopBrowsers {
		if anyContains(ua, sig.primaryKeywords) && anyContains(ua, sig.platformKeywords) {
			return BrowserTypeDesktop, sig.name, sig.maxAccessCount
		}
	}

	if anyContains(ua, genericBrowserMarkers) {
		if anyContains(ua, genericMobileMarkers) {
			return BrowserTypeMobile, "generic_mobile", 2
		}
		return BrowserTypeDesktop, "generic_desktop", 2
	}

	return BrowserTypeUnknown, "unknown", 1
}

func anyContains(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
