package delta3

import (
	"testing"

	"github.com/rs/zerolog"
)

func discardLog() zerolog.Logger {
	return zerolog.Nop()
}

const attributeFormDetail = `<Detail>
  <Call CallID="100045" State="3" Stamp="1707573600" ConnStamp="1707573610" Dir="I"/>
  <PartyA EqType="10" Ext="1001" Name="Alice Adams" Number="1001"/>
  <PartyB EqType="5" Ext="" Name="" Number="14155550100"/>
  <Target EqType="10" Ext="1002"/>
</Detail>`

const csvFormDetail = `<Detail>
  <Call>100045,3,1707573600,1707573610,I</Call>
  <PartyA>10,1001,Alice Adams,1001</PartyA>
  <PartyB>5,,,14155550100</PartyB>
  <Target_list><Target>10,1002</Target></Target_list>
</Detail>`

func TestParseDetailAttributeForm(t *testing.T) {
	rec := Parse([]byte(attributeFormDetail), discardLog())
	if rec == nil || rec.Kind != KindDetail {
		t.Fatalf("expected a Detail record, got %+v", rec)
	}
	d := rec.Detail
	if d.CallID != "100045" || CallStateName(d.State) != CallStateCompleted || d.Direction != "I" {
		t.Errorf("unexpected Call fields: %+v", d)
	}
	if d.PartyA.Extension != "1001" || d.PartyA.Name != "Alice Adams" || !IsExtension(d.PartyA.EquipType) {
		t.Errorf("unexpected PartyA: %+v", d.PartyA)
	}
	if d.PartyB.Number != "14155550100" || !IsTrunk(d.PartyB.EquipType) {
		t.Errorf("unexpected PartyB: %+v", d.PartyB)
	}
	if len(d.Targets) != 1 || d.Targets[0].Extension != "1002" {
		t.Errorf("unexpected Targets: %+v", d.Targets)
	}
}

func TestParseDetailCSVFormMatchesAttributeForm(t *testing.T) {
	attr := Parse([]byte(attributeFormDetail), discardLog())
	csv := Parse([]byte(csvFormDetail), discardLog())
	if attr == nil || csv == nil {
		t.Fatalf("both forms must parse: attr=%+v csv=%+v", attr, csv)
	}
	a, c := attr.Detail, csv.Detail
	if a.CallID != c.CallID || a.State != c.State || a.Direction != c.Direction {
		t.Errorf("Call fields diverge between forms: %+v vs %+v", a, c)
	}
	if a.PartyA != c.PartyA {
		t.Errorf("PartyA diverges between forms: %+v vs %+v", a.PartyA, c.PartyA)
	}
	if a.PartyB != c.PartyB {
		t.Errorf("PartyB diverges between forms: %+v vs %+v", a.PartyB, c.PartyB)
	}
	if len(a.Targets) != len(c.Targets) || a.Targets[0] != c.Targets[0] {
		t.Errorf("Targets diverge between forms: %+v vs %+v", a.Targets, c.Targets)
	}
}

func TestParseCallLostBothForms(t *testing.T) {
	attr := `<CallLost><Call CallID="77" Cause="41" Stamp="1707573700"/></CallLost>`
	csv := `<CallLost><Call>77,41,1707573700</Call></CallLost>`

	a := Parse([]byte(attr), discardLog())
	c := Parse([]byte(csv), discardLog())
	if a == nil || c == nil || a.Kind != KindCallLost || c.Kind != KindCallLost {
		t.Fatalf("expected CallLost records: %+v %+v", a, c)
	}
	if *a.CallLost != *c.CallLost {
		t.Errorf("CallLost diverges between forms: %+v vs %+v", a.CallLost, c.CallLost)
	}
}

func TestParseAttemptReject(t *testing.T) {
	rec := Parse([]byte(`<AttemptReject><Call CallID="99" Cause="17" Stamp="1707573800"/></AttemptReject>`), discardLog())
	if rec == nil || rec.Kind != KindAttemptReject {
		t.Fatalf("expected AttemptReject record, got %+v", rec)
	}
	if rec.AttemptReject.CallID != "99" || rec.AttemptReject.Cause != 17 {
		t.Errorf("unexpected AttemptReject fields: %+v", rec.AttemptReject)
	}
}

func TestParseLinkLost(t *testing.T) {
	attr := Parse([]byte(`<LinkLost><Event Stamp="1707573900"/></LinkLost>`), discardLog())
	csv := Parse([]byte(`<LinkLost><Event>1707573900</Event></LinkLost>`), discardLog())
	if attr == nil || csv == nil || attr.Kind != KindLinkLost || csv.Kind != KindLinkLost {
		t.Fatalf("expected LinkLost records: %+v %+v", attr, csv)
	}
	if attr.LinkLost.Stamp != 1707573900 || csv.LinkLost.Stamp != 1707573900 {
		t.Errorf("unexpected LinkLost stamps: %+v %+v", attr.LinkLost, csv.LinkLost)
	}
}

func TestParseMalformedXMLReturnsNil(t *testing.T) {
	rec := Parse([]byte(`<Detail><Call CallID="1"`), discardLog())
	if rec != nil {
		t.Errorf("expected nil for malformed xml, got %+v", rec)
	}
}

func TestParseUnknownRecordKindReturnsNil(t *testing.T) {
	rec := Parse([]byte(`<SomethingElse/>`), discardLog())
	if rec != nil {
		t.Errorf("expected nil for unknown record kind, got %+v", rec)
	}
}

func TestParseDetailMissingCallIDReturnsNil(t *testing.T) {
	rec := Parse([]byte(`<Detail><Call State="1"/></Detail>`), discardLog())
	if rec != nil {
		t.Errorf("expected nil when CallID is absent, got %+v", rec)
	}
}

func TestCallStateNameAndEquipTypeName(t *testing.T) {
	if CallStateName(2) != CallStateConnected {
		t.Error("code 2 should map to \"connected\"")
	}
	if CallStateName(999) != CallStateIdle {
		t.Error("undocumented state should map to idle")
	}
	if EquipTypeName(EquipTypeHuntGroup) != "hunt_group" {
		t.Error("EquipTypeHuntGroup should map to \"hunt_group\"")
	}
	if !IsTerminal(CallStateCompleted) || IsTerminal(CallStateConnected) {
		t.Error("IsTerminal should be true only for completed/idle")
	}
	if !IsTerminal(CallStateIdle) {
		t.Error("idle is also a terminal state per the removal-grace rule")
	}
}
