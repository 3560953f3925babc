package dispatch

import (
	"strings"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/media"
	"github.com/bookline/concierge/internal/store"
)

// ComposeBatch renders drained events into one input block, preserving
// enqueue order. Text events contribute their payload directly; media
// events become tags so the engine knows what arrived, with captions
// carried alongside. Local image files are downscaled first to bound
// the payload handed downstream.
func ComposeBatch(events []store.BufferedEvent) string {
	parts := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case bus.KindText:
			if strings.TrimSpace(ev.Payload) != "" {
				parts = append(parts, ev.Payload)
			}
		case bus.KindImage:
			payload := ev.Payload
			if media.IsImagePath(payload) {
				payload = media.Downscale(payload)
			}
			parts = append(parts, mediaTag("image", payload, ev.Caption))
		case bus.KindAudio:
			parts = append(parts, mediaTag("audio", ev.Payload, ev.Caption))
		case bus.KindDocument:
			parts = append(parts, mediaTag("document", ev.Payload, ev.Caption))
		}
	}
	return strings.Join(parts, "\n")
}

func mediaTag(kind, payload, caption string) string {
	tag := "<media:" + kind
	if payload != "" {
		tag += " " + payload
	}
	tag += ">"
	if caption != "" {
		tag += " " + caption
	}
	return tag
}
