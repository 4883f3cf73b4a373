package service

import (
	"regexp"
	"strings"
)

// Phase words the model sometimes echoes from its reasoning scaffold.
const phaseWords = `(?-i:REASONING|REASON|ACTION|ACT|OBSERVATION|OBSERVE|RESPONSE|RESPOND|THOUGHT|THINK|PLAN|REFLECT)`

var (
	// Line-leading scaffold markers. Trailing content on the line survives.
	markerRes = []*regexp.Regexp{
		// ### Step 2: ACT / ## **Step 2: ACT**
		regexp.MustCompile(`(?im)^[ \t]*#{1,6}[ \t]*(?:\*\*)?step[ \t]+\d+[ \t]*[:.\-][ \t]*` + phaseWords + `\b[ \t]*(?:\*\*)?[ \t]*:?[ \t]*`),
		// **Step 2: ACT**
		regexp.MustCompile(`(?im)^[ \t]*\*\*step[ \t]+\d+[ \t]*[:.\-][ \t]*` + phaseWords + `\b[ \t]*\*\*[ \t]*:?[ \t]*`),
		// Step 2: ACT
		regexp.MustCompile(`(?im)^[ \t]*step[ \t]+\d+[ \t]*[:.\-][ \t]*` + phaseWords + `\b[ \t]*:?[ \t]*`),
		// REASON / **ACT** / ### OBSERVE: / RESPOND:
		regexp.MustCompile(`(?m)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*)?` + phaseWords + `(?:\*\*)?[ \t]*(?::[ \t]*|$)(?:\*\*)?[ \t]*`),
	}

	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// CleanAssistantText strips reasoning scaffold markers from the final answer
// before it is stored. Applying it twice yields the same result as once.
func CleanAssistantText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for {
		next := stripMarkers(text)
		if next == text {
			break
		}
		text = next
	}
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func stripMarkers(text string) string {
	for _, re := range markerRes {
		text = re.ReplaceAllString(text, "")
	}
	return text
}
