package sod

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var matchIdxRegExp = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubIdxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)

// ObjectType values (compared case-insensitively) that an index section
// may carry: "record" and "array" sections become records, anything else
// is loaded as a plain variable.
const (
	sectionRecord = "record"
	sectionArray  = "array"
	sectionVar    = "var"
)

// Load parses an ini-formatted Safety Object Dictionary description
// (one section per index, "xxxxsubNN" sections for sub-entries) the
// same way the upstream EDS parser does, generalized to the SCM's
// roster and channel-parameter tables (0xC400..0xC7FE DVI, 0xC801..
// additional-SADR, 0xCC01.. UDID, 0x100C, 0x101B, 0x1280..0x12FF
// SSDOC/SSDOS channel parameters).
func Load(data []byte) (*ObjectDictionary, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, err
	}

	od := New(log.NewEntry(log.StandardLogger()))

	for _, section := range file.Sections() {
		name := section.Name()
		if !matchIdxRegExp.MatchString(name) {
			continue
		}
		idx, err := strconv.ParseUint(name, 16, 16)
		if err != nil {
			return nil, err
		}
		index := uint16(idx)
		parameterName := section.Key("ParameterName").String()
		objectType := strings.ToLower(section.Key("ObjectType").String())

		switch objectType {
		case sectionRecord, sectionArray:
			od.AddRecord(index, parameterName)
		default:
			v, err := newVariableFromSection(section, parameterName)
			if err != nil {
				return nil, fmt.Errorf("sod: index x%X: %w", index, err)
			}
			entry := newEntry(od.logger, index, parameterName)
			entry.addVariable(0, v)
			od.entries[index] = entry
		}
	}

	for _, section := range file.Sections() {
		name := section.Name()
		matches := matchSubIdxRegExp.FindStringSubmatch(name)
		if matches == nil {
			continue
		}
		idx, err := strconv.ParseUint(matches[1], 16, 16)
		if err != nil {
			return nil, err
		}
		sub, err := strconv.ParseUint(matches[2], 16, 8)
		if err != nil {
			return nil, err
		}
		entry := od.entries[uint16(idx)]
		if entry == nil {
			return nil, fmt.Errorf("sod: subentry x%Xsub%X has no parent index section", idx, sub)
		}
		parameterName := section.Key("ParameterName").String()
		v, err := newVariableFromSection(section, parameterName)
		if err != nil {
			return nil, fmt.Errorf("sod: index x%X sub %d: %w", idx, sub, err)
		}
		entry.addVariable(uint8(sub), v)
	}

	return od, nil
}

func newVariableFromSection(section *ini.Section, name string) (*Variable, error) {
	dataTypeRaw, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid DataType: %w", err)
	}
	dataType := uint8(dataTypeRaw)

	accessType := strings.ToLower(section.Key("AccessType").String())
	var attribute uint8
	switch accessType {
	case "ro":
		attribute = AttrRead
	case "wo":
		attribute = AttrWrite
	case "const":
		attribute = AttrRead | AttrConst
	default:
		attribute = AttrRW
	}
	if section.HasKey("AlwaysWritable") {
		always, err := section.Key("AlwaysWritable").Bool()
		if err == nil && always {
			attribute |= AttrAlways
		}
	}

	maxLength, err := dataTypeLength(dataType, section)
	if err != nil {
		return nil, err
	}

	v := NewVariable(name, dataType, attribute, maxLength)

	if defaultValue := section.Key("DefaultValue").Value(); defaultValue != "" {
		raw, err := encodeFromString(defaultValue, dataType, maxLength)
		if err != nil {
			return nil, fmt.Errorf("invalid DefaultValue %q: %w", defaultValue, err)
		}
		copy(v.data, raw)
		if isVariableLength(dataType) {
			v.actualLength = uint32(len(raw))
		}
	}
	return v, nil
}

func dataTypeLength(dataType uint8, section *ini.Section) (uint32, error) {
	switch dataType {
	case TypeUnsigned8:
		return 1, nil
	case TypeUnsigned16:
		return 2, nil
	case TypeUnsigned32:
		return 4, nil
	case TypeVisString, TypeOctetStr, TypeDomain:
		maxLen := section.Key("MaxLength").MustUint(256)
		return uint32(maxLen), nil
	default:
		return 0, fmt.Errorf("unsupported DataType x%X", dataType)
	}
}

// encodeFromString parses a DefaultValue string (decimal or 0x-prefixed
// hex for numeric types, raw text for string/domain types) into its wire
// bytes, little-endian for numeric types.
func encodeFromString(value string, dataType uint8, maxLength uint32) ([]byte, error) {
	switch dataType {
	case TypeUnsigned8:
		n, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case TypeUnsigned16:
		n, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return b, nil
	case TypeUnsigned32:
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return b, nil
	case TypeVisString, TypeOctetStr, TypeDomain:
		if uint32(len(value)) > maxLength {
			return nil, fmt.Errorf("default value longer than MaxLength")
		}
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("unsupported DataType x%X", dataType)
	}
}
