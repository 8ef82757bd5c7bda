package normalize

import "github.com/englishfox90/nina-gateway/internal/event"

// targetDescriptor is the rolling context's compact view of the current
// target, used for enrichment only (the Session FSM derives its own
// authoritative session.Target from TS-TARGETSTART events directly).
type targetDescriptor struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

// rollingContext is the small, single-task state the Normalizer carries
// across events to backfill fields the imaging host omits (spec §4.2).
// It is owned by one Normalizer instance and passed by reference through
// one task — never a shared global (spec §9 "Source patterns requiring
// re-architecture").
type rollingContext struct {
	currentFilter       string
	currentTarget       *targetDescriptor
	flatPanelActive     bool
	lastImageStatistics map[string]any
}

func newRollingContext() rollingContext {
	return rollingContext{}
}

// enrich augments ev's payload with the current rolling context and
// backfills IMAGE-SAVE fields the host left empty (spec §4.2
// "Enrichment").
func (r *rollingContext) enrich(ev event.Event) event.Event {
	ctx := map[string]any{
		"currentFilter":   r.currentFilter,
		"flatPanelActive": r.flatPanelActive,
	}
	if r.currentTarget != nil {
		ctx["currentTarget"] = map[string]any{
			"name":    r.currentTarget.Name,
			"project": r.currentTarget.Project,
		}
	}
	if r.lastImageStatistics != nil {
		ctx["lastImageStatistics"] = r.lastImageStatistics
	}
	ev = ev.With("_context", ctx)

	if ev.EventType == "IMAGE-SAVE" {
		ev = r.backfillImageSave(ev)
	}
	return ev
}

func (r *rollingContext) backfillImageSave(ev event.Event) event.Event {
	stats := ev.GetMap("ImageStatistics")
	if stats == nil {
		return ev
	}
	imgType, _ := stats["ImageType"].(string)
	if filter, _ := stats["Filter"].(string); filter == "" && imgType == "LIGHT" && r.currentFilter != "" {
		patched := make(map[string]any, len(stats)+1)
		for k, v := range stats {
			patched[k] = v
		}
		patched["Filter"] = r.currentFilter
		ev = ev.With("ImageStatistics", patched)
	}
	return ev
}

// observe updates the rolling context from an already-enriched event.
func (r *rollingContext) observe(ev event.Event) {
	switch ev.EventType {
	case "FILTERWHEEL-CHANGED":
		if next := ev.GetMap("New"); next != nil {
			if name, _ := next["Name"].(string); name != "" {
				r.currentFilter = name
			}
		}
	case "TS-TARGETSTART", "TS-NEWTARGETSTART":
		r.currentTarget = &targetDescriptor{
			Name:    ev.GetString("TargetName"),
			Project: ev.GetString("ProjectName"),
		}
	case "FLAT-CONNECTED":
		r.flatPanelActive = true
	case "FLAT-DISCONNECTED":
		r.flatPanelActive = false
	case "IMAGE-SAVE":
		if stats := ev.GetMap("ImageStatistics"); stats != nil {
			r.lastImageStatistics = stats
			if imgType, _ := stats["ImageType"].(string); imgType == "LIGHT" {
				if filter, _ := stats["Filter"].(string); filter != "" {
					r.currentFilter = filter
				}
			}
		}
	}
}
