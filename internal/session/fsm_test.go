package session

import (
	"testing"
	"time"

	"github.com/englishfox90/nina-gateway/internal/event"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

func ev(t *testing.T, eventType, ts string, payload map[string]any) event.Event {
	return event.Event{
		EventType: eventType,
		Timestamp: mustParse(t, ts),
		Payload:   payload,
	}
}

// Scenario 1: fresh session start (spec §8).
func TestReduce_FreshSessionStart(t *testing.T) {
	doc := NewDocument()

	doc, changed := Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	if !changed {
		t.Fatal("expected SEQUENCE-STARTING to change the document")
	}
	if !doc.IsActive || doc.FSMState != StateImaging {
		t.Fatalf("expected an active imaging session, got isActive=%v fsmState=%q", doc.IsActive, doc.FSMState)
	}

	doc, changed = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T20:01:00-05:00", map[string]any{
		"TargetName":  "M31",
		"ProjectName": "DSO",
		"Coordinates": map[string]any{"RAString": "00:42:44.31", "DecString": "+41:16:09.4"},
		"Rotation":    180.0,
	}))
	if !changed {
		t.Fatal("expected TS-NEWTARGETSTART to change the document")
	}
	if doc.Target == nil {
		t.Fatal("expected a target to be set")
	}
	if doc.Target.Name != "M31" || doc.Target.Project != "DSO" {
		t.Errorf("got target %+v, want name=M31 project=DSO", doc.Target)
	}
	if doc.FSMState != StateImaging {
		t.Errorf("expected fsmState=imaging, got %q", doc.FSMState)
	}
	wantStart := mustParse(t, "2024-01-15T20:00:00-05:00")
	if doc.SessionStart == nil || !doc.SessionStart.Equal(wantStart) {
		t.Errorf("expected sessionStart to stay at the original SEQUENCE-STARTING time %s, got %v", wantStart, doc.SessionStart)
	}
}

// A target arriving mid-imaging with a genuinely different name ends the
// current session and starts a new one (spec table row "imaging |
// TS-TARGETSTART (different target) | imaging | end current session,
// start new one"), unlike the no-target-yet case covered above.
func TestReduce_DifferentTargetEndsAndRestartsSession(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T20:00:00-05:00", map[string]any{"TargetName": "M31"}))
	firstUUID := doc.SessionUUID

	doc, changed := Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T21:00:00-05:00", map[string]any{"TargetName": "M42"}))
	if !changed {
		t.Fatal("expected a new target to change the document")
	}
	if doc.Target == nil || doc.Target.Name != "M42" {
		t.Fatalf("expected the new target M42, got %+v", doc.Target)
	}
	if doc.SessionUUID == firstUUID {
		t.Error("expected a new session UUID once a genuinely different target arrives")
	}
	wantStart := mustParse(t, "2024-01-15T21:00:00-05:00")
	if doc.SessionStart == nil || !doc.SessionStart.Equal(wantStart) {
		t.Errorf("expected sessionStart to reset to the new target's start time, got %v", doc.SessionStart)
	}
}

// Scenario 2: filter change then image (spec §8).
func TestReduce_FilterChangeThenImage(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	doc, _ = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T20:01:00-05:00", map[string]any{"TargetName": "M31"}))

	doc, changed := Reduce(doc, ev(t, "FILTERWHEEL-CHANGED", "2024-01-15T20:02:00-05:00", map[string]any{
		"Previous": map[string]any{"Name": "L"},
		"New":      map[string]any{"Name": "Ha"},
	}))
	if !changed {
		t.Fatal("expected an actual filter change to change the document")
	}
	if doc.Filter == nil || doc.Filter.Name != "Ha" {
		t.Fatalf("expected filter.name=Ha, got %+v", doc.Filter)
	}

	doc, changed = Reduce(doc, ev(t, "IMAGE-SAVE", "2024-01-15T20:10:00-05:00", map[string]any{
		"ImageStatistics": map[string]any{"ImageType": "LIGHT", "Filter": "Ha", "ExposureTime": 300.0},
	}))
	if !changed {
		t.Fatal("expected IMAGE-SAVE to change the document")
	}
	if doc.LastImage == nil || doc.LastImage.Type != ImageLight || doc.LastImage.ExposureTime != 300 {
		t.Fatalf("got lastImage %+v, want type=LIGHT exposureTime=300", doc.LastImage)
	}
}

// Scenario 3: no-op filter change must not toggle `changed` (spec §4.4, §8).
func TestReduce_NoOpFilterChangeDoesNotToggleChanged(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	doc, _ = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T20:01:00-05:00", map[string]any{"TargetName": "M31"}))
	doc, _ = Reduce(doc, ev(t, "FILTERWHEEL-CHANGED", "2024-01-15T20:02:00-05:00", map[string]any{
		"Previous": map[string]any{"Name": "L"},
		"New":      map[string]any{"Name": "Ha"},
	}))

	before := doc
	after, changed := Reduce(doc, ev(t, "FILTERWHEEL-CHANGED", "2024-01-15T20:15:00-05:00", map[string]any{
		"Previous": map[string]any{"Name": "Ha"},
		"New":      map[string]any{"Name": "Ha"},
	}))
	if changed {
		t.Error("expected a no-op filter change to leave changed=false")
	}
	if after.Filter == nil || after.Filter.Name != before.Filter.Name {
		t.Errorf("expected filter to remain %+v, got %+v", before.Filter, after.Filter)
	}
}

// Scenario 4: safety pause/resume, with SAFETY-CONNECTED as a no-op in between
// (spec §4.4, §8: "safety.isSafe transitions only on SAFETY-CHANGED events").
func TestReduce_SafetyPauseResume(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))

	doc, changed := Reduce(doc, ev(t, "SAFETY-CHANGED", "2024-01-15T20:05:00-05:00", map[string]any{"IsSafe": false}))
	if !changed {
		t.Fatal("expected SAFETY-CHANGED to change the document")
	}
	if doc.FSMState != StatePaused || doc.Safety.IsSafe != False {
		t.Fatalf("expected paused/unsafe, got fsmState=%q safety=%+v", doc.FSMState, doc.Safety)
	}

	doc, changed = Reduce(doc, ev(t, "SAFETY-CONNECTED", "2024-01-15T20:05:30-05:00", nil))
	if changed {
		t.Error("expected SAFETY-CONNECTED to be a no-op for safety.isSafe")
	}
	if doc.Safety.IsSafe != False || doc.FSMState != StatePaused {
		t.Errorf("expected safety/state unchanged by SAFETY-CONNECTED, got safety=%+v fsmState=%q", doc.Safety, doc.FSMState)
	}

	doc, changed = Reduce(doc, ev(t, "SAFETY-CHANGED", "2024-01-15T20:06:00-05:00", map[string]any{"IsSafe": true}))
	if !changed {
		t.Fatal("expected SAFETY-CHANGED back to safe to change the document")
	}
	if doc.FSMState != StateImaging || doc.Safety.IsSafe != True {
		t.Fatalf("expected imaging/safe, got fsmState=%q safety=%+v", doc.FSMState, doc.Safety)
	}
}

// Scenario 5: darks grouping by exposure time (spec §4.4, §8).
func TestReduce_DarksGrouping(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))

	exposures := []float64{60, 60, 300}
	for i, exp := range exposures {
		ts := mustParse(t, "2024-01-15T20:00:00-05:00").Add(time.Duration(i+1) * time.Minute).Format(time.RFC3339)
		doc, _ = Reduce(doc, ev(t, "IMAGE-SAVE", ts, map[string]any{
			"ImageStatistics": map[string]any{"ImageType": "DARK", "ExposureTime": exp},
		}))
	}

	if doc.FSMState != StateDarks {
		t.Fatalf("expected fsmState=darks, got %q", doc.FSMState)
	}
	want := map[string]int{"60": 2, "300": 1}
	for k, v := range want {
		if doc.Darks.ExposureGroups[k] != v {
			t.Errorf("exposureGroups[%q] = %d, want %d (full: %+v)", k, doc.Darks.ExposureGroups[k], v, doc.Darks.ExposureGroups)
		}
	}
	if doc.Darks.TotalImages != 3 {
		t.Errorf("expected totalImages=3, got %d", doc.Darks.TotalImages)
	}
	if doc.Darks.CurrentExposureTime != 300 {
		t.Errorf("expected currentExposureTime=300, got %v", doc.Darks.CurrentExposureTime)
	}
}

// Activity priority tie-break: autofocus > guiding > mount > rotator >
// sequencer whenever two or more are simultaneously active (spec §4.4, §8).
func TestReduce_ActivityPriorityTieBreak(t *testing.T) {
	doc := NewDocument()

	doc, _ = Reduce(doc, ev(t, "GUIDER-START", "2024-01-15T20:00:00-05:00", nil))
	if doc.Activity.Subsystem != SubsystemGuiding {
		t.Fatalf("expected guiding to win with nothing else active, got %q", doc.Activity.Subsystem)
	}

	doc, _ = Reduce(doc, ev(t, "MOUNT-SLEWING", "2024-01-15T20:00:10-05:00", nil))
	if doc.Activity.Subsystem != SubsystemGuiding {
		t.Fatalf("expected guiding to still win over mount, got %q", doc.Activity.Subsystem)
	}

	doc, _ = Reduce(doc, ev(t, "AUTOFOCUS-START", "2024-01-15T20:00:20-05:00", nil))
	if doc.Activity.Subsystem != SubsystemAutofocus {
		t.Fatalf("expected autofocus to win over guiding and mount, got %q", doc.Activity.Subsystem)
	}

	doc, _ = Reduce(doc, ev(t, "AUTOFOCUS-FINISHED", "2024-01-15T20:00:30-05:00", nil))
	if doc.Activity.Subsystem != SubsystemGuiding {
		t.Fatalf("expected guiding to win again once autofocus finishes, got %q", doc.Activity.Subsystem)
	}

	doc, _ = Reduce(doc, ev(t, "GUIDER-STOP", "2024-01-15T20:00:40-05:00", nil))
	if doc.Activity.Subsystem != SubsystemMount {
		t.Fatalf("expected mount to win once guiding stops, got %q", doc.Activity.Subsystem)
	}

	doc, _ = Reduce(doc, ev(t, "MOUNT-PARKED", "2024-01-15T20:00:50-05:00", nil))
	if doc.Activity.Subsystem != SubsystemNone {
		t.Fatalf("expected no activity once everything stops, got %q", doc.Activity.Subsystem)
	}
}

// safety.isSafe must transition only on SAFETY-CHANGED, never on connect or
// disconnect events for the safety device itself (spec §4.4, §8).
func TestReduce_SafetyOnlyChangesOnSafetyChanged(t *testing.T) {
	doc := NewDocument()
	if doc.Safety.IsSafe != Unknown {
		t.Fatalf("expected a fresh document to have unknown safety, got %v", doc.Safety.IsSafe)
	}

	doc, changed := Reduce(doc, ev(t, "SAFETY-CONNECTED", "2024-01-15T20:00:00-05:00", nil))
	if changed {
		t.Error("expected SAFETY-CONNECTED alone to be a no-op")
	}
	if doc.Safety.IsSafe != Unknown {
		t.Errorf("expected safety to remain unknown after SAFETY-CONNECTED, got %v", doc.Safety.IsSafe)
	}

	doc, changed = Reduce(doc, ev(t, "SAFETY-CHANGED", "2024-01-15T20:00:10-05:00", map[string]any{"IsSafe": true}))
	if !changed {
		t.Fatal("expected SAFETY-CHANGED to change the document")
	}
	if doc.Safety.IsSafe != True {
		t.Fatalf("expected safety=true after SAFETY-CHANGED, got %v", doc.Safety.IsSafe)
	}

	doc, changed = Reduce(doc, ev(t, "SAFETY-DISCONNECTED", "2024-01-15T20:00:20-05:00", nil))
	if changed {
		t.Error("expected SAFETY-DISCONNECTED alone to be a no-op")
	}
	if doc.Safety.IsSafe != True {
		t.Errorf("expected safety to remain true after SAFETY-DISCONNECTED, got %v", doc.Safety.IsSafe)
	}
}

// Target expiry invariant: with a scheduledEndAt, isExpired flips purely on
// wall-clock-vs-deadline; without one, the 8h inactivity fallback applies
// (spec §4.4 "Inactivity fallback", invariant 3).
func TestTargetExpired_ScheduledEndAt(t *testing.T) {
	doc := NewDocument()
	end := mustParse(t, "2024-01-15T21:00:00-05:00")
	target := Target{StartedAt: mustParse(t, "2024-01-15T20:00:00-05:00"), ScheduledEndAt: &end}

	before := mustParse(t, "2024-01-15T20:59:00-05:00")
	if TargetExpired(target, doc, before) {
		t.Error("expected target not expired before scheduledEndAt")
	}

	after := mustParse(t, "2024-01-15T21:01:00-05:00")
	if !TargetExpired(target, doc, after) {
		t.Error("expected target expired after scheduledEndAt")
	}
}

func TestTargetExpired_InactivityFallback(t *testing.T) {
	doc := NewDocument()
	target := Target{StartedAt: mustParse(t, "2024-01-15T20:00:00-05:00")}

	withinWindow := mustParse(t, "2024-01-16T03:59:00-05:00") // just under 8h
	if TargetExpired(target, doc, withinWindow) {
		t.Error("expected target not expired within the 8h inactivity window")
	}

	pastWindow := mustParse(t, "2024-01-16T04:01:00-05:00") // just over 8h
	if !TargetExpired(target, doc, pastWindow) {
		t.Error("expected target expired past the 8h inactivity window")
	}
}

func TestTargetExpired_InactivityFallbackUsesLastImage(t *testing.T) {
	doc := NewDocument()
	doc.LastImage = &LastImage{Timestamp: mustParse(t, "2024-01-16T00:00:00-05:00")}
	target := Target{StartedAt: mustParse(t, "2024-01-15T20:00:00-05:00")}

	stillActive := mustParse(t, "2024-01-16T07:59:00-05:00") // <8h since lastImage, but >8h since start
	if TargetExpired(target, doc, stillActive) {
		t.Error("expected the more recent lastImage timestamp, not target start, to anchor the inactivity window")
	}
}

// Darks excursion ends cleanly on SEQUENCE-STOPPED (spec table row "darks |
// SEQUENCE-STOPPED | idle | end darks").
func TestReduce_DarksEndsOnSequenceStopped(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	doc, _ = Reduce(doc, ev(t, "IMAGE-SAVE", "2024-01-15T20:01:00-05:00", map[string]any{
		"ImageStatistics": map[string]any{"ImageType": "DARK", "ExposureTime": 60.0},
	}))
	if doc.FSMState != StateDarks {
		t.Fatalf("expected fsmState=darks, got %q", doc.FSMState)
	}

	doc, changed := Reduce(doc, ev(t, "SEQUENCE-STOPPED", "2024-01-15T20:05:00-05:00", nil))
	if !changed {
		t.Fatal("expected SEQUENCE-STOPPED to change the document")
	}
	if doc.FSMState != StateIdle {
		t.Fatalf("expected fsmState=idle after SEQUENCE-STOPPED, got %q", doc.FSMState)
	}
	if doc.Darks.IsActive {
		t.Error("expected darks.isActive=false once darks end")
	}
	if doc.IsActive {
		t.Error("expected the session itself to end")
	}
}

// Flats returns to the prior imaging session when one existed (spec table
// row "flats | FLAT-DISCONNECTED | idle|imaging | end flats; return to
// prior session if one existed").
func TestReduce_FlatsReturnsToPriorSession(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	imagingUUID := doc.SessionUUID

	doc, _ = Reduce(doc, ev(t, "IMAGE-SAVE", "2024-01-15T20:01:00-05:00", map[string]any{
		"ImageStatistics": map[string]any{"ImageType": "FLAT", "Brightness": 1500.0},
	}))
	if doc.FSMState != StateFlats {
		t.Fatalf("expected fsmState=flats, got %q", doc.FSMState)
	}

	doc, changed := Reduce(doc, ev(t, "FLAT-DISCONNECTED", "2024-01-15T20:02:00-05:00", nil))
	if !changed {
		t.Fatal("expected FLAT-DISCONNECTED to change the document")
	}
	if doc.FSMState != StateImaging {
		t.Fatalf("expected a return to imaging, got fsmState=%q", doc.FSMState)
	}
	if doc.SessionUUID != imagingUUID {
		t.Errorf("expected the prior imaging session UUID %q to be restored, got %q", imagingUUID, doc.SessionUUID)
	}
}

// Reduce must never mutate the Document it was handed (spec §5: "Snapshots
// returned are immutable").
func TestReduce_DoesNotMutateInput(t *testing.T) {
	doc := NewDocument()
	doc, _ = Reduce(doc, ev(t, "SEQUENCE-STARTING", "2024-01-15T20:00:00-05:00", nil))
	doc, _ = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T20:01:00-05:00", map[string]any{"TargetName": "M31"}))

	snapshot := doc
	snapshotTargetName := doc.Target.Name

	_, _ = Reduce(doc, ev(t, "TS-NEWTARGETSTART", "2024-01-15T21:00:00-05:00", map[string]any{"TargetName": "M42"}))

	if doc.Target.Name != snapshotTargetName {
		t.Errorf("expected the original document's target to remain %q, got %q", snapshotTargetName, doc.Target.Name)
	}
	if doc.FSMState != snapshot.FSMState {
		t.Errorf("expected the original document's fsmState to remain %q, got %q", snapshot.FSMState, doc.FSMState)
	}
}
