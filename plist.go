package fvde

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Component L: a minimal recursive-descent parser for the subset of
// Apple property-list XML that CoreStorage metadata embeds. There is no
// DTD or external entity resolution; only the five XML built-in entities
// are recognized. Grounded on the shape of plists libfvde_xml_plist.c
// walks (dict/array/string/integer/data), re-expressed here as a direct
// textual scan rather than a DOM, since the format needs only read-once
// extraction of a handful of known keys.
type plistKind int

const (
	plistDict plistKind = iota
	plistArray
	plistString
	plistInteger
	plistData
)

type PlistValue struct {
	kind plistKind
	dict map[string]PlistValue
	arr  []PlistValue
	str  string
	num  int64
	data []byte
}

func (v PlistValue) Dict() (map[string]PlistValue, bool) {
	if v.kind != plistDict {
		return nil, false
	}
	return v.dict, true
}

func (v PlistValue) Array() ([]PlistValue, bool) {
	if v.kind != plistArray {
		return nil, false
	}
	return v.arr, true
}

func (v PlistValue) String() (string, bool) {
	if v.kind != plistString {
		return "", false
	}
	return v.str, true
}

func (v PlistValue) Integer() (int64, bool) {
	if v.kind != plistInteger {
		return 0, false
	}
	return v.num, true
}

func (v PlistValue) Data() ([]byte, bool) {
	if v.kind != plistData {
		return nil, false
	}
	return v.data, true
}

// UUID parses a plist string value as a UUID
// (LowerHex{8}-LowerHex{4}-LowerHex{4}-LowerHex{4}-LowerHex{12}).
func (v PlistValue) UUID() (uuid.UUID, bool) {
	s, ok := v.String()
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// Lookup fetches a key from a dict value, returning the zero value and
// false if v is not a dict or the key is absent.
func (v PlistValue) Lookup(key string) (PlistValue, bool) {
	d, ok := v.Dict()
	if !ok {
		return PlistValue{}, false
	}
	child, ok := d[key]
	return child, ok
}

type plistParser struct {
	data []byte
	pos  int
}

// ParsePlist parses a single root <dict> plist document (CoreStorage's
// flavor omits the <?xml?>/<!DOCTYPE>/<plist> wrapper some callers strip
// before handing data here, so both forms are accepted).
func ParsePlist(data []byte) (PlistValue, error) {
	p := &plistParser{data: data}
	p.skipToTag("dict")
	if p.pos >= len(p.data) {
		return PlistValue{}, newErr(Malformed, "ParsePlist", "no root dict element found")
	}
	v, err := p.parseValue()
	if err != nil {
		return PlistValue{}, err
	}
	if v.kind != plistDict {
		return PlistValue{}, newErr(Malformed, "ParsePlist", "root element is not a dict")
	}
	return v, nil
}

// skipToTag advances the cursor to the start of the first "<name" found,
// skipping any XML prolog, doctype, or wrapping <plist> element.
func (p *plistParser) skipToTag(name string) {
	needle := "<" + name
	idx := strings.Index(string(p.data[p.pos:]), needle)
	if idx < 0 {
		p.pos = len(p.data)
		return
	}
	p.pos += idx
}

func (p *plistParser) peekTagName() (string, bool, error) {
	if p.pos >= len(p.data) || p.data[p.pos] != '<' {
		return "", false, newErr(Malformed, "plistParser", "expected '<' at offset %d", p.pos)
	}
	end := strings.IndexByte(string(p.data[p.pos:]), '>')
	if end < 0 {
		return "", false, newErr(Malformed, "plistParser", "unterminated tag at offset %d", p.pos)
	}
	tag := string(p.data[p.pos+1 : p.pos+end])
	closing := strings.HasPrefix(tag, "/")
	tag = strings.TrimPrefix(tag, "/")
	tag = strings.TrimSuffix(tag, "/")
	if sp := strings.IndexByte(tag, ' '); sp >= 0 {
		tag = tag[:sp]
	}
	return tag, closing, nil
}

func (p *plistParser) consumeThroughGT() {
	idx := strings.IndexByte(string(p.data[p.pos:]), '>')
	if idx < 0 {
		p.pos = len(p.data)
		return
	}
	p.pos += idx + 1
}

func (p *plistParser) readTextUntilCloseTag(name string) (string, error) {
	closeTag := "</" + name + ">"
	idx := strings.Index(string(p.data[p.pos:]), closeTag)
	if idx < 0 {
		return "", newErr(Malformed, "plistParser", "unterminated <%s> element", name)
	}
	text := string(p.data[p.pos : p.pos+idx])
	p.pos += idx + len(closeTag)
	return unescapeXMLEntities(text), nil
}

func unescapeXMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
		"&apos;", "'",
		"&quot;", `"`,
	)
	return replacer.Replace(s)
}

// parseValue parses one value element (dict/array/string/integer/data)
// starting at the current cursor position, which must point at '<'.
func (p *plistParser) parseValue() (PlistValue, error) {
	name, closing, err := p.peekTagName()
	if err != nil {
		return PlistValue{}, err
	}
	if closing {
		return PlistValue{}, newErr(Malformed, "plistParser", "unexpected closing tag </%s>", name)
	}

	switch name {
	case "dict":
		return p.parseDict()
	case "array":
		return p.parseArray()
	case "string":
		p.consumeThroughGT()
		s, err := p.readTextUntilCloseTag("string")
		if err != nil {
			return PlistValue{}, err
		}
		return PlistValue{kind: plistString, str: s}, nil
	case "integer":
		p.consumeThroughGT()
		s, err := p.readTextUntilCloseTag("integer")
		if err != nil {
			return PlistValue{}, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return PlistValue{}, wrapErr(Malformed, "plistParser", err)
		}
		return PlistValue{kind: plistInteger, num: n}, nil
	case "data":
		p.consumeThroughGT()
		s, err := p.readTextUntilCloseTag("data")
		if err != nil {
			return PlistValue{}, err
		}
		cleaned := stripWhitespace(s)
		raw, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return PlistValue{}, wrapErr(Malformed, "plistParser", err)
		}
		return PlistValue{kind: plistData, data: raw}, nil
	default:
		return PlistValue{}, newErr(Malformed, "plistParser", "unrecognized value element <%s>", name)
	}
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (p *plistParser) parseDict() (PlistValue, error) {
	p.consumeThroughGT() // consume <dict>
	result := PlistValue{kind: plistDict, dict: make(map[string]PlistValue)}

	for {
		name, closing, err := p.peekTagName()
		if err != nil {
			return PlistValue{}, err
		}
		if closing {
			if name != "dict" {
				return PlistValue{}, newErr(Malformed, "plistParser", "mismatched closing tag </%s> inside dict", name)
			}
			p.consumeThroughGT()
			return result, nil
		}
		if name != "key" {
			return PlistValue{}, newErr(Malformed, "plistParser", "expected <key> inside dict, got <%s>", name)
		}
		p.consumeThroughGT()
		key, err := p.readTextUntilCloseTag("key")
		if err != nil {
			return PlistValue{}, err
		}

		if p.pos >= len(p.data) || p.data[p.pos] != '<' {
			return PlistValue{}, newErr(Malformed, "plistParser", "expected value element after <key>%s</key>", key)
		}
		value, err := p.parseValue()
		if err != nil {
			return PlistValue{}, err
		}
		result.dict[key] = value
	}
}

func (p *plistParser) parseArray() (PlistValue, error) {
	p.consumeThroughGT() // consume <array>
	result := PlistValue{kind: plistArray}

	for {
		name, closing, err := p.peekTagName()
		if err != nil {
			return PlistValue{}, err
		}
		if closing {
			if name != "array" {
				return PlistValue{}, newErr(Malformed, "plistParser", "mismatched closing tag </%s> inside array", name)
			}
			p.consumeThroughGT()
			return result, nil
		}
		value, err := p.parseValue()
		if err != nil {
			return PlistValue{}, err
		}
		result.arr = append(result.arr, value)
	}
}

// VolumeGroupPlist is the decoded form of the CoreStorage logical volume
// group XML plist embedded at type 0x0011's xml_offset (§4.K), covering
// exactly the three keys the core needs.
type VolumeGroupPlist struct {
	UUID            uuid.UUID
	Name            string
	PhysicalVolumes []PhysicalVolumeDescriptor
}

type PhysicalVolumeDescriptor struct {
	UUID uuid.UUID
}

func parseVolumeGroupPlist(data []byte) (*VolumeGroupPlist, error) {
	root, err := ParsePlist(data)
	if err != nil {
		return nil, err
	}

	vg := &VolumeGroupPlist{}

	if v, ok := root.Lookup("com.apple.corestorage.lvg.uuid"); ok {
		id, ok := v.UUID()
		if !ok {
			return nil, newErr(Malformed, "parseVolumeGroupPlist", "lvg.uuid is not a valid UUID string")
		}
		vg.UUID = id
	}
	if v, ok := root.Lookup("com.apple.corestorage.lvg.name"); ok {
		s, ok := v.String()
		if !ok {
			return nil, newErr(Malformed, "parseVolumeGroupPlist", "lvg.name is not a string")
		}
		vg.Name = s
	}
	if v, ok := root.Lookup("com.apple.corestorage.lvg.physicalVolumes"); ok {
		arr, ok := v.Array()
		if !ok {
			return nil, newErr(Malformed, "parseVolumeGroupPlist", "lvg.physicalVolumes is not an array")
		}
		for _, item := range arr {
			id, ok := item.UUID()
			if !ok {
				return nil, newErr(Malformed, "parseVolumeGroupPlist", "physicalVolumes entry is not a valid UUID string")
			}
			vg.PhysicalVolumes = append(vg.PhysicalVolumes, PhysicalVolumeDescriptor{UUID: id})
		}
	}
	return vg, nil
}
