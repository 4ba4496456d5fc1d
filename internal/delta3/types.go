// Package delta3 decodes Delta3 call-event XML records carried as Event
// packet payloads on a DevLink3 connection. The PBX emits two wire forms
// for the same record shapes: an attribute form (values as XML attributes)
// and a CSV form (values as a single comma-separated text node per
// element). Both are accepted; callers never see the difference.
package delta3

// RecordKind names the four Delta3 record shapes this package understands.
type RecordKind string

const (
	KindDetail        RecordKind = "Detail"
	KindCallLost      RecordKind = "CallLost"
	KindLinkLost      RecordKind = "LinkLost"
	KindAttemptReject RecordKind = "AttemptReject"
)

// Record is the decoded form of one Delta3 XML document. Exactly one of
// the typed fields is populated, matching Kind.
type Record struct {
	Kind RecordKind

	Detail        *DetailRecord
	CallLost      *CallLostRecord
	LinkLost      *LinkLostRecord
	AttemptReject *AttemptRejectRecord
}

// Party describes one leg of a call: the equipment answering or placing it.
type Party struct {
	EquipType int
	Extension string
	Name      string
	Number    string
}

// Target describes a hunt-group or coverage target the call was offered to,
// in addition to the two direct parties.
type Target struct {
	EquipType int
	Extension string
}

// DetailRecord is a mid-call or end-of-call state snapshot: the PBX sends
// one each time call state changes, and a final one when the call clears.
type DetailRecord struct {
	CallID       string
	State        int
	Direction    string
	Stamp        int64
	ConnectStamp int64
	PartyA       Party
	PartyB       Party
	Targets      []Target
}

// CallLostRecord reports a call that was torn down abnormally (PBX-side
// failure, not a normal disconnect).
type CallLostRecord struct {
	CallID string
	Cause  int
	Stamp  int64
}

// LinkLostRecord reports that DevLink3 itself lost synchronization with
// the PBX's internal event stream; any in-flight call state is suspect
// until the next Detail record for it arrives.
type LinkLostRecord struct {
	Stamp int64
}

// AttemptRejectRecord reports a call attempt the PBX refused before a Call
// object was ever created (e.g. no matching route, forced busy).
type AttemptRejectRecord struct {
	CallID string
	Cause  int
	Stamp  int64
}
