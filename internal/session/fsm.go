package session

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/englishfox90/nina-gateway/internal/event"
)

// inactivityFallback is the target-expiry inactivity window: a target
// with no known scheduledEndAt is treated as expired once this much time
// has passed since the last IMAGE-SAVE or target start (spec §4.4).
const inactivityFallback = 8 * time.Hour

// terminalSequenceEvents end an imaging session outright.
var terminalSequenceEvents = map[string]bool{
	"TS-TARGETEND":        true,
	"TS-TARGETFINISHED":   true,
	"SEQUENCE-STOPPED":    true,
	"SEQUENCE-COMPLETED":  true,
}

// Reduce is the Session FSM's pure reducer: given the current document and
// a normalized event, it returns the next document and whether any
// tracked field (other than LastUpdate) changed. It never returns an
// error — malformed events are filtered upstream by the Normalizer (spec
// §9).
func Reduce(doc Document, ev event.Event) (Document, bool) {
	next := clone(doc)
	apply(&next, ev)
	next.LastUpdate = ev.Timestamp

	changed := !equalIgnoringLastUpdate(doc, next)
	return next, changed
}

func apply(doc *Document, ev event.Event) {
	switch doc.FSMState {
	case StateIdle:
		applyFromIdle(doc, ev)
	case StateImaging:
		applyFromImaging(doc, ev)
	case StatePaused:
		applyFromPaused(doc, ev)
	case StateFlats:
		applyFromFlats(doc, ev)
	case StateDarks:
		applyFromDarks(doc, ev)
	}

	// Equipment connect/disconnect, safety, activity, and guiding all
	// apply regardless of the current FSM state.
	applyEquipmentChange(doc, ev)
	applySafety(doc, ev)
	applyActivityEvent(doc, ev)
	applyGuidingProjection(doc, ev)
	refreshExpiry(doc, ev.Timestamp)
}

func applyFromIdle(doc *Document, ev event.Event) {
	switch ev.EventType {
	case "TS-TARGETSTART", "TS-NEWTARGETSTART":
		startSession(doc, ev)
		doc.FSMState = StateImaging
		setTargetFromEvent(doc, ev)
	case "SEQUENCE-STARTING":
		startSession(doc, ev)
		doc.FSMState = StateImaging
	case "FLAT-CONNECTED":
		startSession(doc, ev)
		doc.FSMState = StateFlats
		beginFlats(doc, ev)
	}
}

func applyFromImaging(doc *Document, ev event.Event) {
	switch {
	case ev.EventType == "TS-TARGETSTART" || ev.EventType == "TS-NEWTARGETSTART":
		switch {
		case doc.Target == nil:
			// A session started without a target (e.g. bare SEQUENCE-STARTING)
			// is still the same session; just attach the target now (spec §8
			// scenario 1: sessionStart stays the original session's).
			setTargetFromEvent(doc, ev)
		case doc.Target.Name != ev.GetString("TargetName"):
			endSession(doc)
			startSession(doc, ev)
			doc.FSMState = StateImaging
			setTargetFromEvent(doc, ev)
		}
	case terminalSequenceEvents[ev.EventType]:
		endSession(doc)
		doc.FSMState = StateIdle
	case ev.EventType == "FILTERWHEEL-CHANGED":
		setFilterFromWheelEvent(doc, ev)
	case ev.EventType == "IMAGE-SAVE":
		applyImageSave(doc, ev)
	case isGuiderEvent(ev.EventType):
		// state stays imaging; activity is recomputed generically below
	case ev.EventType == "SAFETY-CHANGED" && !ev.GetBool("IsSafe"):
		doc.FSMState = StatePaused
	}
}

func applyFromPaused(doc *Document, ev event.Event) {
	switch {
	case ev.EventType == "SAFETY-CHANGED" && ev.GetBool("IsSafe"):
		doc.FSMState = StateImaging
	case ev.EventType == "GUIDER-START":
		doc.FSMState = StateImaging
	case isEquipmentConnected(ev.EventType):
		doc.FSMState = StateImaging
	}
}

func applyFromFlats(doc *Document, ev event.Event) {
	switch ev.EventType {
	case "IMAGE-SAVE":
		incrementFlats(doc, ev)
	case "FLAT-DISCONNECTED":
		endFlats(doc)
		if doc.priorSessionUUID != "" {
			doc.FSMState = StateImaging
			doc.SessionUUID = doc.priorSessionUUID
		} else {
			endSession(doc)
			doc.FSMState = StateIdle
		}
	}
}

func applyFromDarks(doc *Document, ev event.Event) {
	switch ev.EventType {
	case "IMAGE-SAVE":
		if classifyImageType(ev) == ImageDark {
			incrementDarks(doc, ev)
		}
	case "SEQUENCE-STOPPED":
		doc.Darks.IsActive = false
		endSession(doc)
		doc.FSMState = StateIdle
	case "TS-TARGETSTART", "TS-NEWTARGETSTART":
		// Open question (spec §9): a target start while darks are active
		// finishes darks first, then applies the target start normally.
		doc.Darks.IsActive = false
		endSession(doc)
		doc.FSMState = StateIdle
		applyFromIdle(doc, ev)
	}
}

// applyImageSave handles IMAGE-SAVE from the imaging state: a LIGHT frame
// updates lastImage in place, a FLAT or DARK frame detours the session
// into the flats/darks sub-state. The inverse case, a target start while
// darks are active, is handled in applyFromDarks above: it ends darks and
// the session, then applies the target start from idle.
func applyImageSave(doc *Document, ev event.Event) {
	imgType := classifyImageType(ev)
	switch imgType {
	case ImageLight:
		setLastImage(doc, ev, imgType)
		if filter := imageFilter(ev); filter != "" {
			doc.Filter = &Filter{Name: filter}
		}
	case ImageFlat:
		if !doc.Flats.IsActive {
			doc.priorSessionUUID = doc.SessionUUID
			beginFlats(doc, ev)
		}
		doc.FSMState = StateFlats
		incrementFlats(doc, ev)
		setLastImage(doc, ev, imgType)
	case ImageDark:
		if !doc.Darks.IsActive {
			beginDarks(doc, ev)
		}
		doc.FSMState = StateDarks
		incrementDarks(doc, ev)
		setLastImage(doc, ev, imgType)
	default:
		setLastImage(doc, ev, imgType)
	}
}

func startSession(doc *Document, ev event.Event) {
	t := ev.Timestamp
	doc.SessionStart = &t
	doc.SessionUUID = sessionUUID(t)
	doc.IsActive = true
}

func endSession(doc *Document) {
	doc.IsActive = false
}

func setTargetFromEvent(doc *Document, ev event.Event) {
	target := &Target{
		Name:      ev.GetString("TargetName"),
		Project:   ev.GetString("ProjectName"),
		Rotation:  ev.GetFloat("Rotation"),
		StartedAt: ev.Timestamp,
	}
	if coords := ev.GetMap("Coordinates"); coords != nil {
		ra, _ := coords["RAString"].(string)
		dec, _ := coords["DecString"].(string)
		if ra != "" || dec != "" {
			target.Coordinates = ra + " " + dec
		}
	}
	if endStr := ev.GetString("ScheduledEndAt"); endStr != "" {
		if t, err := time.Parse(time.RFC3339, endStr); err == nil {
			target.ScheduledEndAt = &t
		}
	}
	doc.Target = target
}

func setFilterFromWheelEvent(doc *Document, ev event.Event) {
	prev := ev.GetMap("Previous")
	next := ev.GetMap("New")
	prevName, _ := prev["Name"].(string)
	nextName, _ := next["Name"].(string)
	if prevName == nextName {
		return // no-op filter change, must not toggle `changed` (spec §4.4)
	}
	doc.Filter = &Filter{Name: nextName}
}

func setLastImage(doc *Document, ev event.Event, imgType ImageType) {
	stats := ev.GetMap("ImageStatistics")
	li := &LastImage{
		Type:      imgType,
		Timestamp: ev.Timestamp,
	}
	if stats != nil {
		li.Filter, _ = stats["Filter"].(string)
		li.ExposureTime = numeric(stats["ExposureTime"])
		li.Temperature = numeric(stats["Temperature"])
		li.HFR = numeric(stats["HFR"])
		li.Stars = int(numeric(stats["Stars"]))
		li.RMS = numeric(stats["RMS"])
	}
	doc.LastImage = li
}

func imageFilter(ev event.Event) string {
	stats := ev.GetMap("ImageStatistics")
	if stats == nil {
		return ""
	}
	f, _ := stats["Filter"].(string)
	return f
}

func classifyImageType(ev event.Event) ImageType {
	stats := ev.GetMap("ImageStatistics")
	if stats == nil {
		return ImageUnknown
	}
	switch t, _ := stats["ImageType"].(string); t {
	case "LIGHT":
		return ImageLight
	case "DARK":
		return ImageDark
	case "FLAT":
		return ImageFlat
	default:
		return ImageUnknown
	}
}

func beginFlats(doc *Document, ev event.Event) {
	doc.Flats = Flats{
		IsActive:  true,
		Filter:    doc.filterName(),
		StartedAt: ev.Timestamp,
	}
}

func incrementFlats(doc *Document, ev event.Event) {
	doc.Flats.IsActive = true
	doc.Flats.ImageCount++
	doc.Flats.LastImageAt = ev.Timestamp
	if stats := ev.GetMap("ImageStatistics"); stats != nil {
		if b, ok := stats["Brightness"]; ok {
			doc.Flats.Brightness = numeric(b)
		}
	}
}

func endFlats(doc *Document) {
	doc.Flats.IsActive = false
}

func beginDarks(doc *Document, ev event.Event) {
	doc.Darks = Darks{
		IsActive:       true,
		ExposureGroups: map[string]int{},
		StartedAt:      ev.Timestamp,
	}
}

func incrementDarks(doc *Document, ev event.Event) {
	doc.Darks.IsActive = true
	stats := ev.GetMap("ImageStatistics")
	exposure := numeric(stats["ExposureTime"])
	key := strconv.FormatFloat(exposure, 'f', -1, 64)
	if doc.Darks.ExposureGroups == nil {
		doc.Darks.ExposureGroups = map[string]int{}
	}
	doc.Darks.ExposureGroups[key]++
	doc.Darks.TotalImages++
	doc.Darks.CurrentExposureTime = exposure
	doc.Darks.LastImageAt = ev.Timestamp
}

func isGuiderEvent(eventType string) bool {
	switch eventType {
	case "GUIDER-START", "GUIDER-STOP", "GUIDER-DISCONNECTED":
		return true
	}
	return false
}

// activitySubsystemEvents maps a raw event type to the subsystem it starts
// or stops, letting the gateway track several subsystems' activity
// concurrently and pick the highest-priority one for Activity (spec §4.4,
// §8: "activity.subsystem respects priority order... whenever two or more
// are simultaneously active").
var activitySubsystemEvents = map[string]struct {
	subsystem Subsystem
	starts    bool
}{
	"AUTOFOCUS-START":    {SubsystemAutofocus, true},
	"AUTOFOCUS-FINISHED": {SubsystemAutofocus, false},
	"AUTOFOCUS-FAILED":   {SubsystemAutofocus, false},
	"GUIDER-START":       {SubsystemGuiding, true},
	"GUIDER-STOP":        {SubsystemGuiding, false},
	"GUIDER-DISCONNECTED": {SubsystemGuiding, false},
	"MOUNT-SLEWING":      {SubsystemMount, true},
	"MOUNT-PARKED":       {SubsystemMount, false},
	"MOUNT-HOMED":        {SubsystemMount, false},
	"ROTATOR-MOVING":     {SubsystemRotator, true},
	"ROTATOR-SYNCED":     {SubsystemRotator, false},
	"SEQUENCE-STARTING":  {SubsystemSequencer, true},
	"SEQUENCE-STOPPED":   {SubsystemSequencer, false},
	"SEQUENCE-COMPLETED": {SubsystemSequencer, false},
}

func applyActivityEvent(doc *Document, ev event.Event) {
	mapping, ok := activitySubsystemEvents[ev.EventType]
	if !ok {
		return
	}
	if doc.activeSubsystems == nil {
		doc.activeSubsystems = map[Subsystem]time.Time{}
	}
	if mapping.starts {
		doc.activeSubsystems[mapping.subsystem] = ev.Timestamp
	} else {
		delete(doc.activeSubsystems, mapping.subsystem)
	}
	recomputeActivity(doc)
}

// recomputeActivity picks the highest-priority currently-active subsystem,
// or SubsystemNone if nothing is active.
func recomputeActivity(doc *Document) {
	for _, s := range subsystemPriority {
		if since, active := doc.activeSubsystems[s]; active {
			doc.Activity = Activity{Subsystem: s, State: "active", Since: since}
			return
		}
	}
	doc.Activity = Activity{Subsystem: SubsystemNone, State: "none"}
}

func applyGuidingProjection(doc *Document, ev event.Event) {
	switch ev.EventType {
	case "GUIDER-START":
		doc.IsGuiding = true
	case "GUIDER-STOP", "GUIDER-DISCONNECTED":
		doc.IsGuiding = false
	}
}

func applySafety(doc *Document, ev event.Event) {
	if ev.EventType != "SAFETY-CHANGED" {
		return // SAFETY-CONNECTED/-DISCONNECTED never change the value (spec §4.4, §8)
	}
	doc.Safety = Safety{
		IsSafe: triFromBool(ev.GetBool("IsSafe")),
		Time:   ev.Timestamp,
	}
}

func applyEquipmentChange(doc *Document, ev event.Event) {
	device, kind, ok := parseEquipmentEvent(ev.EventType)
	if !ok {
		return
	}
	doc.LastEquipmentChange = &EquipmentChange{
		Device: device,
		Event:  kind,
		Time:   ev.Timestamp,
	}
}

func isEquipmentConnected(eventType string) bool {
	_, kind, ok := parseEquipmentEvent(eventType)
	return ok && kind == "CONNECTED"
}

// parseEquipmentEvent recognizes the "<DEVICE>-CONNECTED" / "<DEVICE>-DISCONNECTED"
// family described in spec §3's Event.eventType examples.
func parseEquipmentEvent(eventType string) (device, kind string, ok bool) {
	// The safety monitor's own connect/disconnect events are not equipment
	// changes: they leave the document untouched, and a paused session
	// stays paused until SAFETY-CHANGED reports safe.
	if eventType == "SAFETY-CONNECTED" || eventType == "SAFETY-DISCONNECTED" {
		return "", "", false
	}
	const connSuffix = "-CONNECTED"
	const disSuffix = "-DISCONNECTED"
	switch {
	case len(eventType) > len(connSuffix) && eventType[len(eventType)-len(connSuffix):] == connSuffix:
		return eventType[:len(eventType)-len(connSuffix)], "CONNECTED", true
	case len(eventType) > len(disSuffix) && eventType[len(eventType)-len(disSuffix):] == disSuffix:
		return eventType[:len(eventType)-len(disSuffix)], "DISCONNECTED", true
	}
	return "", "", false
}

// refreshExpiry recomputes target.isExpired using the event's own
// timestamp as "now", keeping the reducer a pure function of its inputs
// (spec §9 total-reducer requirement) while still satisfying invariant 3.
// The State Store additionally recomputes expiry against wall-clock time
// when serving snapshots (see statestore.Snapshot).
func refreshExpiry(doc *Document, now time.Time) {
	if doc.Target == nil {
		return
	}
	doc.Target.IsExpired = TargetExpired(*doc.Target, *doc, now)
}

// TargetExpired implements invariant 3: expired once now is past the
// scheduled end, or — when no scheduled end is known — once 8h have
// passed since the last image or the target's start (spec §4.4 "Inactivity
// fallback").
func TargetExpired(t Target, doc Document, now time.Time) bool {
	if t.ScheduledEndAt != nil {
		return now.After(*t.ScheduledEndAt)
	}
	last := t.StartedAt
	if doc.LastImage != nil && doc.LastImage.Timestamp.After(last) {
		last = doc.LastImage.Timestamp
	}
	return now.Sub(last) >= inactivityFallback
}

func (d Document) filterName() string {
	if d.Filter == nil {
		return ""
	}
	return d.Filter.Name
}

func sessionUUID(t time.Time) string {
	return fmt.Sprintf("session_%d", t.UnixMilli())
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// clone deep-copies a Document so the FSM never mutates the caller's
// snapshot (spec §5: "Snapshots returned are immutable").
func clone(d Document) Document {
	out := d
	if d.SessionStart != nil {
		t := *d.SessionStart
		out.SessionStart = &t
	}
	if d.Target != nil {
		t := *d.Target
		if d.Target.ScheduledEndAt != nil {
			end := *d.Target.ScheduledEndAt
			t.ScheduledEndAt = &end
		}
		out.Target = &t
	}
	if d.Filter != nil {
		f := *d.Filter
		out.Filter = &f
	}
	if d.LastImage != nil {
		li := *d.LastImage
		out.LastImage = &li
	}
	if d.LastEquipmentChange != nil {
		ec := *d.LastEquipmentChange
		out.LastEquipmentChange = &ec
	}
	out.Darks.ExposureGroups = make(map[string]int, len(d.Darks.ExposureGroups))
	for k, v := range d.Darks.ExposureGroups {
		out.Darks.ExposureGroups[k] = v
	}
	if d.activeSubsystems != nil {
		out.activeSubsystems = make(map[Subsystem]time.Time, len(d.activeSubsystems))
		for k, v := range d.activeSubsystems {
			out.activeSubsystems[k] = v
		}
	}
	return out
}

// equalIgnoringLastUpdate reports whether two documents are identical
// except possibly for LastUpdate, used to compute the reducer's `changed`
// return value (spec §4.4: "changed is true iff the returned state
// differs... on any tracked field other than lastUpdate").
func equalIgnoringLastUpdate(a, b Document) bool {
	a.LastUpdate = time.Time{}
	b.LastUpdate = time.Time{}
	return reflect.DeepEqual(a, b)
}
