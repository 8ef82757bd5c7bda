// Package session implements the Session FSM (C4): a pure reducer from
// (Document, event.Event) to a new Document, plus the derived session
// document type itself.
package session

import (
	"time"

	"github.com/englishfox90/nina-gateway/internal/event"
)

// FSMState is the set of states the session finite state machine can be in.
type FSMState string

const (
	StateIdle    FSMState = "idle"
	StateImaging FSMState = "imaging"
	StateFlats   FSMState = "flats"
	StateDarks   FSMState = "darks"
	StatePaused  FSMState = "paused"
)

// ImageType tags the kind of frame a IMAGE-SAVE event reported.
type ImageType string

const (
	ImageLight   ImageType = "LIGHT"
	ImageDark    ImageType = "DARK"
	ImageFlat    ImageType = "FLAT"
	ImageUnknown ImageType = "UNKNOWN"
)

// Subsystem is the set of subsystems that can own the session's current
// activity, ordered by the priority tie-break in spec §4.4: autofocus >
// guiding > mount > rotator > sequencer.
type Subsystem string

const (
	SubsystemAutofocus Subsystem = "autofocus"
	SubsystemGuiding   Subsystem = "guiding"
	SubsystemMount     Subsystem = "mount"
	SubsystemRotator   Subsystem = "rotator"
	SubsystemSequencer Subsystem = "sequencer"
	SubsystemFlats     Subsystem = "flats"
	SubsystemDarks     Subsystem = "darks"
	SubsystemNone      Subsystem = "none"
)

// subsystemPriority ranks subsystems from highest to lowest; lower index
// wins when more than one is simultaneously active.
var subsystemPriority = []Subsystem{
	SubsystemAutofocus,
	SubsystemGuiding,
	SubsystemMount,
	SubsystemRotator,
	SubsystemSequencer,
}

// TriState represents a boolean that may also be unknown (safety has never
// been reported).
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

func triFromBool(b bool) TriState {
	if b {
		return True
	}
	return False
}

// MarshalJSON renders TriState as true/false/null so API consumers see a
// native tri-state JSON value rather than an internal enum.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// Target describes the astronomical target the imaging host is currently
// pointed at.
type Target struct {
	Name           string     `json:"name"`
	Project        string     `json:"project"`
	Coordinates    string     `json:"coordinates,omitempty"`
	Rotation       float64    `json:"rotation,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	ScheduledEndAt *time.Time `json:"scheduledEndAt,omitempty"`
	IsExpired      bool       `json:"isExpired"`
}

// Filter is the currently selected filter wheel position.
type Filter struct {
	Name string `json:"name"`
}

// LastImage describes the most recently saved frame of any type.
type LastImage struct {
	Type         ImageType `json:"type"`
	Filter       string    `json:"filter,omitempty"`
	ExposureTime float64   `json:"exposureTime"`
	Temperature  float64   `json:"temperature,omitempty"`
	HFR          float64   `json:"hfr,omitempty"`
	Stars        int       `json:"stars,omitempty"`
	RMS          float64   `json:"rms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Safety is the last reported safety condition; IsSafe only ever changes
// on a SAFETY-CHANGED event (spec §4.4).
type Safety struct {
	IsSafe TriState  `json:"isSafe"`
	Time   time.Time `json:"time"`
}

// Activity is the currently winning subsystem activity, per the priority
// tie-break in subsystemPriority.
type Activity struct {
	Subsystem Subsystem `json:"subsystem"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
}

// EquipmentChange records the most recent CONNECTED/DISCONNECTED event for
// any device other than the safety monitor (SAFETY-CONNECTED and
// SAFETY-DISCONNECTED are not recorded).
type EquipmentChange struct {
	Device string    `json:"device"`
	Event  string    `json:"event"` // CONNECTED | DISCONNECTED
	Time   time.Time `json:"time"`
}

// Flats tracks the in-progress flat-frame calibration run, if any.
type Flats struct {
	IsActive    bool      `json:"isActive"`
	Filter      string    `json:"filter,omitempty"`
	Brightness  float64   `json:"brightness,omitempty"`
	ImageCount  int       `json:"imageCount"`
	StartedAt   time.Time `json:"startedAt"`
	LastImageAt time.Time `json:"lastImageAt"`
}

// Darks tracks the in-progress dark-frame calibration run, if any, grouped
// by exposure time.
type Darks struct {
	IsActive            bool           `json:"isActive"`
	CurrentExposureTime float64        `json:"currentExposureTime"`
	ExposureGroups      map[string]int `json:"exposureGroups"`
	TotalImages         int            `json:"totalImages"`
	StartedAt           time.Time      `json:"startedAt"`
	LastImageAt         time.Time      `json:"lastImageAt"`
}

// Document is the authoritative derived session state (spec §3). It is
// produced by the FSM reducer and is the only thing the Fan-out Hub and
// Session API ever serve.
type Document struct {
	SessionUUID         string           `json:"sessionUuid"`
	SessionStart         *time.Time       `json:"sessionStart"`
	IsActive             bool             `json:"isActive"`
	FSMState             FSMState         `json:"fsmState"`
	Target               *Target          `json:"target"`
	Filter               *Filter          `json:"filter"`
	LastImage            *LastImage       `json:"lastImage"`
	Safety               Safety           `json:"safety"`
	Activity             Activity         `json:"activity"`
	LastEquipmentChange  *EquipmentChange `json:"lastEquipmentChange"`
	Flats                Flats            `json:"flats"`
	Darks                Darks            `json:"darks"`
	IsGuiding            bool             `json:"isGuiding"`
	LastUpdate           time.Time        `json:"lastUpdate"`

	// priorSessionUUID tracks the session a flats/darks excursion should
	// return to when it ends (spec: flats ending returns to prior session
	// "if one existed"). Not serialized; internal FSM bookkeeping.
	priorSessionUUID string `json:"-"`

	// activeSubsystems tracks which subsystems are currently active and
	// since when, so Activity can be recomputed under the priority
	// tie-break (autofocus > guiding > mount > rotator > sequencer)
	// whenever more than one is active at once (spec §4.4, §8).
	activeSubsystems map[Subsystem]time.Time `json:"-"`
}

// NewDocument returns the zero-value idle document: no active session,
// unknown safety, no activity.
func NewDocument() Document {
	return Document{
		SessionUUID: event.SessionCurrent,
		FSMState:    StateIdle,
		Safety:      Safety{IsSafe: Unknown},
		Activity:    Activity{Subsystem: SubsystemNone},
		Darks:       Darks{ExposureGroups: map[string]int{}},
		LastUpdate:  time.Time{},
	}
}
