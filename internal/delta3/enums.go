package delta3

// Numeric call states as carried in a Detail record's Call/State field.
// StateCore maps these onto its own application-level call status; the
// mapping lives here because it is a property of the wire format, not of
// how a consumer chooses to use it. Unknown codes map to idle.
const (
	CallStateIdle      = "idle"
	CallStateRinging   = "ringing"
	CallStateConnected = "connected"
	CallStateCompleted = "completed"
	CallStateHold      = "hold"
	CallStateQueued    = "queued"
	CallStateParked    = "parked"
)

var callStateByCode = map[int]string{
	0:  CallStateIdle,
	1:  CallStateRinging,
	2:  CallStateConnected,
	3:  CallStateCompleted,
	4:  CallStateHold,
	5:  CallStateHold,
	6:  CallStateConnected,
	7:  CallStateRinging,
	8:  CallStateRinging,
	9:  CallStateRinging,
	10: CallStateQueued,
	11: CallStateParked,
	12: CallStateHold,
	13: CallStateRinging,
}

// CallStateName maps a numeric Delta3 call-state code to its application
// name. An undocumented code maps to idle rather than "unknown" since the
// PBX never emits codes outside the documented set in practice and a call
// StateCore can't classify is safest treated as not-in-progress.
func CallStateName(code int) string {
	if name, ok := callStateByCode[code]; ok {
		return name
	}
	return CallStateIdle
}

// Equipment type codes, used to classify Delta3 PartyA/PartyB/Target
// equipment as a trunk (external line) or an extension (internal device).
const (
	EquipTypeISDNTrunk    = 2
	EquipTypeTrunkVariant3 = 3
	EquipTypeTrunkVariant4 = 4
	EquipTypeSIPTrunk     = 5
	EquipTypeTrunkVariant6 = 6
	EquipTypeTrunkVariant7 = 7
	EquipTypeTDMPhone     = 8
	EquipTypeH323Phone    = 9
	EquipTypeSIPDevice    = 10
	EquipTypeVoicemail    = 12
	EquipTypeConference   = 13
	EquipTypeHuntGroup    = 15
	EquipTypeWebRTC       = 28
)

var trunkEquipTypes = map[int]bool{
	EquipTypeISDNTrunk:     true,
	EquipTypeTrunkVariant3: true,
	EquipTypeTrunkVariant4: true,
	EquipTypeSIPTrunk:      true,
	EquipTypeTrunkVariant6: true,
	EquipTypeTrunkVariant7: true,
}

var extensionEquipTypes = map[int]bool{
	EquipTypeTDMPhone:  true,
	EquipTypeH323Phone: true,
	EquipTypeSIPDevice: true,
	EquipTypeWebRTC:    true,
}

// IsTrunk reports whether an equipment-type code identifies an external
// trunk line.
func IsTrunk(equipType int) bool { return trunkEquipTypes[equipType] }

// IsExtension reports whether an equipment-type code identifies an
// internal device (phone, softphone, WebRTC endpoint).
func IsExtension(equipType int) bool { return extensionEquipTypes[equipType] }

// EquipTypeName returns a human-readable label for a numeric equipment
// type, for logging and metadata; "unknown" for an undocumented code.
func EquipTypeName(equipType int) string {
	switch equipType {
	case EquipTypeISDNTrunk, EquipTypeTrunkVariant3, EquipTypeTrunkVariant4,
		EquipTypeSIPTrunk, EquipTypeTrunkVariant6, EquipTypeTrunkVariant7:
		return "trunk"
	case EquipTypeTDMPhone, EquipTypeH323Phone, EquipTypeSIPDevice, EquipTypeWebRTC:
		return "extension"
	case EquipTypeVoicemail:
		return "voicemail"
	case EquipTypeConference:
		return "conference"
	case EquipTypeHuntGroup:
		return "hunt_group"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a call state ends the call's lifecycle;
// StateCore starts the removal grace timer on either terminal state.
func IsTerminal(state string) bool {
	return state == CallStateCompleted || state == CallStateIdle
}
