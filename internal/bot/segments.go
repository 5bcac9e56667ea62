package bot

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/baiyu-yu/aidice/internal/conversation"
)

var cqTagRe = regexp.MustCompile(`\[CQ:([a-zA-Z_]+)((?:,[^\]]*)?)\]`)

// segmentKind maps platform tag names to the kinds the allowed-segments
// filter knows.
func segmentKind(tag string) string {
	switch tag {
	case "at":
		return "mention"
	case "reply":
		return "quote"
	case "face", "mface":
		return "expression"
	default:
		return tag
	}
}

func tagParams(raw string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(raw, ","), ",") {
		if k, v, ok := strings.Cut(part, "="); ok {
			params[k] = v
		}
	}
	return params
}

// ParseSegments breaks a raw inline-markup message into segments: one
// "text" segment when any plain text is present, plus one segment per
// inline tag. Images and expressions carry media references.
func ParseSegments(raw string) []Segment {
	var segs []Segment
	if strings.TrimSpace(cqTagRe.ReplaceAllString(raw, "")) != "" {
		segs = append(segs, Segment{Kind: "text"})
	}

	for _, m := range cqTagRe.FindAllStringSubmatch(raw, -1) {
		kind := segmentKind(m[1])
		seg := Segment{Kind: kind}
		if kind == "image" || kind == "expression" {
			params := tagParams(m[2])
			id := params["file"]
			if id == "" {
				id = uuid.NewString()
			}
			seg.Media = &conversation.MediaRef{
				ID:   id,
				Kind: kind,
				URL:  params["url"],
			}
		}
		segs = append(segs, seg)
	}
	return segs
}
