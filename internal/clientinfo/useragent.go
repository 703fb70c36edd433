package clientinfo

import (
	"strings"

	"github.com/mssola/useragent"
)

const (
	OtherBrowser  = "Other Browser"
	UnknownEngine = "Unknown Engine"
)

type BrowserInfo struct {
	Browser string `json:"browser"`
	Engine  string `json:"engine"`
}

// Edge and Opera precede Chrome because their user agents also carry the
// Chrome token; Chrome precedes Safari for the same reason.
var browserTable = []struct {
	tokens []string
	info   BrowserInfo
}{
	{[]string{"Edg"}, BrowserInfo{"Edge", "Blink"}},
	{[]string{"OPR", "Opera"}, BrowserInfo{"Opera", "Blink"}},
	{[]string{"Chrome", "CriOS"}, BrowserInfo{"Chrome", "Blink"}},
	{[]string{"Firefox", "FxiOS"}, BrowserInfo{"Firefox", "Gecko"}},
	{[]string{"Safari"}, BrowserInfo{"Safari", "WebKit"}},
}

func ResolveBrowserInfo(ua string) BrowserInfo {
	for _, row := range browserTable {
		for _, token := range row.tokens {
			if strings.Contains(ua, token) {
				return row.info
			}
		}
	}
	return BrowserInfo{Browser: OtherBrowser, Engine: UnknownEngine}
}

// Device carries the platform details that the browser table does not cover.
type Device struct {
	OS       string `json:"os,omitempty"`
	Platform string `json:"platform,omitempty"`
	Mobile   bool   `json:"mobile"`
	Bot      bool   `json:"bot"`
}

func ParseDevice(ua string) Device {
	if strings.TrimSpace(ua) == "" {
		return Device{}
	}
	parsed := useragent.New(ua)
	return Device{
		OS:       parsed.OS(),
		Platform: parsed.Platform(),
		Mobile:   parsed.Mobile(),
		Bot:      parsed.Bot(),
	}
}
