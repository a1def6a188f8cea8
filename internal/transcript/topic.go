package transcript

import (
	"regexp"
	"strings"

	"github.com/chikingsley/rivena/internal/voicestate"
)

var topicTrigger = regexp.MustCompile(`(?i)(let's talk about|i want to discuss)\s*([^.?]*)`)

// DetectTopic returns the text following the first trigger phrase, up to the
// next '.' or '?'.
func DetectTopic(text string) (string, bool) {
	m := topicTrigger.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	label := strings.TrimSpace(m[2])
	if label == "" {
		return "", false
	}
	return label, true
}

// TopicPatch switches to label and restarts the topic clock and progress.
func TopicPatch(label string) voicestate.Patch {
	return voicestate.Patch{
		Topic:         voicestate.Ptr(label),
		TopicTime:     voicestate.Ptr(voicestate.Clock{}),
		TopicProgress: voicestate.Ptr(0.0),
	}
}
