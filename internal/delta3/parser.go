package delta3

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/csvutil"
)

// node is a generic XML element used to walk either wire form without two
// separate struct sets: attribute-form values live in Attrs, CSV-form
// values live in Text as one comma-separated line.
type node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*node
}

func (n *node) child(name string) *node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// isAttributeForm reports whether a node carries its values as XML
// attributes rather than as CSV text content.
func (n *node) isAttributeForm() bool {
	return len(n.Attrs) > 0
}

func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	var stack []*node
	var root *node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{Name: t.Name.Local, Attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Children = append(top.Children, n)
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Text += string(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			n := stack[len(stack)-1]
			n.Text = strings.TrimSpace(n.Text)
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root = n
			}
		}
	}
	if root == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return root, nil
}

// Parse decodes one Delta3 XML document. It never returns an error to the
// caller: malformed or unrecognized input is logged (first 100 bytes, to
// avoid flooding logs with a full dump) and Parse returns nil, matching
// the PBX's own tolerance for occasional wire garbage on this channel.
func Parse(data []byte, log zerolog.Logger) *Record {
	root, err := parseTree(data)
	if err != nil {
		log.Warn().Err(err).Str("snippet", snippet(data)).Msg("delta3: malformed xml")
		return nil
	}

	switch RecordKind(root.Name) {
	case KindDetail:
		rec := parseDetail(root)
		if rec == nil {
			log.Warn().Str("snippet", snippet(data)).Msg("delta3: unparseable Detail record")
			return nil
		}
		return &Record{Kind: KindDetail, Detail: rec}
	case KindCallLost:
		rec := parseCallLost(root)
		if rec == nil {
			log.Warn().Str("snippet", snippet(data)).Msg("delta3: unparseable CallLost record")
			return nil
		}
		return &Record{Kind: KindCallLost, CallLost: rec}
	case KindLinkLost:
		rec := parseLinkLost(root)
		return &Record{Kind: KindLinkLost, LinkLost: rec}
	case KindAttemptReject:
		rec := parseAttemptReject(root)
		if rec == nil {
			log.Warn().Str("snippet", snippet(data)).Msg("delta3: unparseable AttemptReject record")
			return nil
		}
		return &Record{Kind: KindAttemptReject, AttemptReject: rec}
	default:
		log.Warn().Str("root", root.Name).Str("snippet", snippet(data)).Msg("delta3: unknown record kind")
		return nil
	}
}

func snippet(data []byte) string {
	const max = 100
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}

// parseDetail reads the Call, PartyA, PartyB and Target(_list) children.
// CSV-form field order, documented here since it appears nowhere else on
// the wire:
//
//	Call:   CallID, State, Stamp, ConnStamp, Direction
//	Party:  EquipType, Extension, Name, Number
//	Target: EquipType, Extension
func parseDetail(root *node) *DetailRecord {
	callNode := root.child("Call")
	if callNode == nil {
		return nil
	}
	rec := &DetailRecord{}

	if callNode.isAttributeForm() {
		rec.CallID = callNode.Attrs["CallID"]
		rec.State = atoiSafe(callNode.Attrs["State"])
		rec.Stamp = atoi64Safe(callNode.Attrs["Stamp"])
		rec.ConnectStamp = atoi64Safe(callNode.Attrs["ConnStamp"])
		rec.Direction = callNode.Attrs["Dir"]
	} else {
		f := csvutil.SplitQuoted(callNode.Text)
		rec.CallID = csvutil.Field(f, 0)
		rec.State = atoiSafe(csvutil.Field(f, 1))
		rec.Stamp = atoi64Safe(csvutil.Field(f, 2))
		rec.ConnectStamp = atoi64Safe(csvutil.Field(f, 3))
		rec.Direction = csvutil.Field(f, 4)
	}
	if rec.CallID == "" {
		return nil
	}

	if pa := root.child("PartyA"); pa != nil {
		rec.PartyA = parseParty(pa)
	}
	if pb := root.child("PartyB"); pb != nil {
		rec.PartyB = parseParty(pb)
	}

	if list := root.child("Target_list"); list != nil {
		for _, t := range list.childrenNamed("Target") {
			rec.Targets = append(rec.Targets, parseTarget(t))
		}
	}
	for _, t := range root.childrenNamed("Target") {
		rec.Targets = append(rec.Targets, parseTarget(t))
	}

	return rec
}

func parseParty(n *node) Party {
	if n.isAttributeForm() {
		return Party{
			EquipType: atoiSafe(n.Attrs["EqType"]),
			Extension: n.Attrs["Ext"],
			Name:      n.Attrs["Name"],
			Number:    n.Attrs["Number"],
		}
	}
	f := csvutil.SplitQuoted(n.Text)
	return Party{
		EquipType: atoiSafe(csvutil.Field(f, 0)),
		Extension: csvutil.Field(f, 1),
		Name:      csvutil.Field(f, 2),
		Number:    csvutil.Field(f, 3),
	}
}

func parseTarget(n *node) Target {
	if n.isAttributeForm() {
		return Target{
			EquipType: atoiSafe(n.Attrs["EqType"]),
			Extension: n.Attrs["Ext"],
		}
	}
	f := csvutil.SplitQuoted(n.Text)
	return Target{
		EquipType: atoiSafe(csvutil.Field(f, 0)),
		Extension: csvutil.Field(f, 1),
	}
}

// parseCallLost and parseAttemptReject share the same Call shape:
// CSV-form order: CallID, Cause, Stamp.
func parseCallLost(root *node) *CallLostRecord {
	callNode := root.child("Call")
	if callNode == nil {
		return nil
	}
	rec := &CallLostRecord{}
	if callNode.isAttributeForm() {
		rec.CallID = callNode.Attrs["CallID"]
		rec.Cause = atoiSafe(callNode.Attrs["Cause"])
		rec.Stamp = atoi64Safe(callNode.Attrs["Stamp"])
	} else {
		f := csvutil.SplitQuoted(callNode.Text)
		rec.CallID = csvutil.Field(f, 0)
		rec.Cause = atoiSafe(csvutil.Field(f, 1))
		rec.Stamp = atoi64Safe(csvutil.Field(f, 2))
	}
	if rec.CallID == "" {
		return nil
	}
	return rec
}

func parseAttemptReject(root *node) *AttemptRejectRecord {
	callNode := root.child("Call")
	if callNode == nil {
		return nil
	}
	rec := &AttemptRejectRecord{}
	if callNode.isAttributeForm() {
		rec.CallID = callNode.Attrs["CallID"]
		rec.Cause = atoiSafe(callNode.Attrs["Cause"])
		rec.Stamp = atoi64Safe(callNode.Attrs["Stamp"])
	} else {
		f := csvutil.SplitQuoted(callNode.Text)
		rec.CallID = csvutil.Field(f, 0)
		rec.Cause = atoiSafe(csvutil.Field(f, 1))
		rec.Stamp = atoi64Safe(csvutil.Field(f, 2))
	}
	if rec.CallID == "" {
		return nil
	}
	return rec
}

// parseLinkLost reads the single Stamp field, from either an Event
// element's attribute or its CSV text content. A LinkLost with no
// recognizable timestamp is still reported with Stamp 0 rather than
// dropped: the event itself (link desync happened) is significant even
// without a reliable time.
func parseLinkLost(root *node) *LinkLostRecord {
	rec := &LinkLostRecord{}
	ev := root.child("Event")
	if ev == nil {
		return rec
	}
	if ev.isAttributeForm() {
		rec.Stamp = atoi64Safe(ev.Attrs["Stamp"])
	} else {
		rec.Stamp = atoi64Safe(ev.Text)
	}
	return rec
}

func atoiSafe(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func atoi64Safe(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
