package audit

import (
	"fmt"

	"github.com/mssola/useragent"
)

// DeviceSummary condenses a User-Agent string into a compact description for
// audit rows, e.g. "Chrome 120.0 on Linux". Bots are labelled so compliance
// reviews can separate crawler traffic.
func DeviceSummary(rawUA string) string {
	if rawUA == "" {
		return ""
	}
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if ua.Bot() {
		return fmt.Sprintf("bot: %s", name)
	}
	if name == "" {
		return rawUA
	}
	summary := name
	if version != "" {
		summary += " " + version
	}
	if os := ua.OS(); os != "" {
		summary += " on " + os
	}
	return summary
}
