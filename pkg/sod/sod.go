// Package sod implements the Safety Object Dictionary: the typed
// key-value store the SCM and SSDO stack address by (index, subindex),
// with locking and shared-object write-permission semantics.
package sod

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ODR is the Safety Object Dictionary's closed result-code enum,
// returned by every dictionary access.
type ODR int8

const (
	ErrPartial           ODR = -1
	ErrOK                ODR = 0
	ErrOutOfMem          ODR = 1
	ErrUnsuppAccess      ODR = 2
	ErrWriteOnly         ODR = 3
	ErrReadOnly          ODR = 4
	ErrIdxNotExist       ODR = 5
	ErrSubNotExist       ODR = 6
	ErrTypeMismatch      ODR = 7
	ErrDataLong          ODR = 8
	ErrDataShort         ODR = 9
	ErrInvalidValue      ODR = 10
	ErrGeneral           ODR = 11
	ErrLocked            ODR = 12
	ErrPresentDeviceState ODR = 13
	ErrNoData            ODR = 14
)

var odrDescriptions = map[ODR]string{
	ErrPartial:            "incomplete transfer",
	ErrOK:                 "no error",
	ErrOutOfMem:           "out of memory",
	ErrUnsuppAccess:       "unsupported access to an object",
	ErrWriteOnly:          "attempt to read a write-only object",
	ErrReadOnly:           "attempt to write a read-only object",
	ErrIdxNotExist:        "object does not exist in the dictionary",
	ErrSubNotExist:        "subindex does not exist",
	ErrTypeMismatch:       "data type or length does not match",
	ErrDataLong:           "data too long for object",
	ErrDataShort:          "data too short for object",
	ErrInvalidValue:       "invalid value for parameter",
	ErrGeneral:            "general error",
	ErrLocked:             "object is locked by another transfer",
	ErrPresentDeviceState: "write not permitted in the present device state",
	ErrNoData:             "no data available",
}

func (odr ODR) Error() string {
	description, ok := odrDescriptions[odr]
	if !ok {
		return fmt.Sprintf("SOD error %d (unknown)", odr)
	}
	return fmt.Sprintf("SOD error %d (%s)", odr, description)
}

// Object attribute bits, CiA-301-style.
const (
	AttrRead    uint8 = 0x01
	AttrWrite   uint8 = 0x02
	AttrRW      uint8 = AttrRead | AttrWrite
	AttrConst   uint8 = 0x04
	AttrAlways  uint8 = 0x08 // writable regardless of device state (0x101A, 0x2800..0x2FFF)
)

// Data type tags, only the ones the SCM/SSDO stack actually handles.
const (
	TypeUnsigned8  uint8 = 0x05
	TypeUnsigned16 uint8 = 0x06
	TypeUnsigned32 uint8 = 0x07
	TypeVisString  uint8 = 0x09
	TypeOctetStr   uint8 = 0x0A
	TypeDomain     uint8 = 0x0F
)

func isVariableLength(dataType uint8) bool {
	return dataType == TypeVisString || dataType == TypeOctetStr || dataType == TypeDomain
}

// Variable is the leaf value at (index, subindex).
type Variable struct {
	Name         string
	DataType     uint8
	Attribute    uint8
	data         []byte // storage, fixed capacity = maximum length
	actualLength uint32 // for variable-length types; full len(data) for fixed types
}

// NewVariable allocates a Variable with the given maximum storage.
func NewVariable(name string, dataType uint8, attribute uint8, maxLength uint32) *Variable {
	v := &Variable{Name: name, DataType: dataType, Attribute: attribute, data: make([]byte, maxLength)}
	if !isVariableLength(dataType) {
		v.actualLength = maxLength
	}
	return v
}

func (v *Variable) length() uint32 {
	if isVariableLength(v.DataType) {
		return v.actualLength
	}
	return uint32(len(v.data))
}

// Uint8/Uint16/Uint32 read fixed-width values directly, bypassing the
// (index, subindex) addressing — a convenience for internal callers
// (the SCM FSM, the scheduler roster builder) that already hold a
// *Variable reference.
func (v *Variable) Uint8() (uint8, error) {
	if len(v.data) != 1 {
		return 0, ErrTypeMismatch
	}
	return v.data[0], nil
}

func (v *Variable) Uint16() (uint16, error) {
	if len(v.data) != 2 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(v.data), nil
}

func (v *Variable) Uint32() (uint32, error) {
	if len(v.data) != 4 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(v.data), nil
}

func (v *Variable) PutUint8(value uint8) {
	v.data[0] = value
}

func (v *Variable) PutUint16(value uint16) {
	binary.LittleEndian.PutUint16(v.data, value)
}

func (v *Variable) PutUint32(value uint32) {
	binary.LittleEndian.PutUint32(v.data, value)
}

// Bytes returns a copy of the variable's current bytes (actualLength for
// variable-length types).
func (v *Variable) Bytes() []byte {
	out := make([]byte, v.length())
	copy(out, v.data[:v.length()])
	return out
}

// sharedGroup links the entries that represent the same logical object
// at multiple SADRs. All members must individually satisfy the write
// predicate before any member may be written.
type sharedGroup struct {
	members []*Entry
}

// Entry is the object at a single index: either a lone Variable (VAR)
// or a set of sub-variables addressed by subindex (ARRAY/RECORD).
type Entry struct {
	logger     *log.Entry
	Index      uint16
	Name       string
	Variables  map[uint8]*Variable
	subNameMap map[string]uint8
	shared     *sharedGroup

	lockedSub  int16 // -1 if not locked, else the locked subindex
}

func newEntry(logger *log.Entry, index uint16, name string) *Entry {
	return &Entry{
		logger:     logger.WithField("index", fmt.Sprintf("x%X", index)),
		Index:      index,
		Name:       name,
		Variables:  map[uint8]*Variable{},
		subNameMap: map[string]uint8{},
		lockedSub:  -1,
	}
}

func (e *Entry) addVariable(sub uint8, v *Variable) {
	e.Variables[sub] = v
	e.subNameMap[v.Name] = sub
}

func (e *Entry) variable(sub uint8) (*Variable, ODR) {
	v, ok := e.Variables[sub]
	if !ok {
		return nil, ErrSubNotExist
	}
	return v, ErrOK
}

// ObjectDictionary holds every Entry, keyed by index, and the single
// global lock: the SOD is the only shared resource in the stack, held
// at most by one SSDOS or SSDOC-driven segmented transfer at a time.
type ObjectDictionary struct {
	logger      *log.Entry
	entries     map[uint16]*Entry
	writeAccess bool // global write-access gate

	lockedIndex uint16
	locked      bool
}

// New creates an empty dictionary.
func New(logger *log.Entry) *ObjectDictionary {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &ObjectDictionary{logger: logger, entries: map[uint16]*Entry{}, writeAccess: true}
}

// AddVariable installs a VAR object at index, subindex 0.
func (od *ObjectDictionary) AddVariable(index uint16, name string, dataType uint8, attribute uint8, maxLength uint32) *Variable {
	v := NewVariable(name, dataType, attribute, maxLength)
	entry := newEntry(od.logger, index, name)
	entry.addVariable(0, v)
	od.entries[index] = entry
	return v
}

// AddRecord installs an ARRAY/RECORD object at index, returning the
// Entry so the caller can add sub-variables with AddSubVariable.
func (od *ObjectDictionary) AddRecord(index uint16, name string) *Entry {
	entry := newEntry(od.logger, index, name)
	od.entries[index] = entry
	return entry
}

// AddSubVariable adds a sub-variable to an existing record-type Entry.
func (e *Entry) AddSubVariable(sub uint8, name string, dataType uint8, attribute uint8, maxLength uint32) *Variable {
	v := NewVariable(name, dataType, attribute, maxLength)
	e.addVariable(sub, v)
	return v
}

// LinkShared marks a set of entries (typically the same parameter stored
// once per SADR) as a shared group: a write to any one of them first
// requires that every member individually satisfies the write predicate.
func LinkShared(entries ...*Entry) {
	group := &sharedGroup{members: entries}
	for _, e := range entries {
		e.shared = group
	}
}

// Index looks up an Entry; nil if absent.
func (od *ObjectDictionary) Index(index uint16) *Entry {
	return od.entries[index]
}

// AttrGet returns the access attribute for (index, sub).
func (od *ObjectDictionary) AttrGet(index uint16, sub uint8) (uint8, ODR) {
	entry := od.entries[index]
	if entry == nil {
		return 0, ErrIdxNotExist
	}
	v, err := entry.variable(sub)
	if err != ErrOK {
		return 0, err
	}
	return v.Attribute, ErrOK
}

// Read returns up to len(buf) bytes starting at offset within the
// object's current value, and the number of bytes copied.
func (od *ObjectDictionary) Read(index uint16, sub uint8, offset uint32, buf []byte) (int, ODR) {
	entry := od.entries[index]
	if entry == nil {
		return 0, ErrIdxNotExist
	}
	v, err := entry.variable(sub)
	if err != ErrOK {
		return 0, err
	}
	if v.Attribute&AttrRead == 0 {
		return 0, ErrWriteOnly
	}
	length := v.length()
	if offset >= length {
		return 0, ErrOK
	}
	n := copy(buf, v.data[offset:length])
	return n, ErrOK
}

// ActualLenGet returns the object's current (possibly variable) length.
func (od *ObjectDictionary) ActualLenGet(index uint16, sub uint8) (uint32, ODR) {
	entry := od.entries[index]
	if entry == nil {
		return 0, ErrIdxNotExist
	}
	v, err := entry.variable(sub)
	if err != ErrOK {
		return 0, err
	}
	return v.length(), ErrOK
}

// ActualLenSet updates the actual length of a variable-length object.
// It is a no-op (and not an error) for fixed-length types.
func (od *ObjectDictionary) ActualLenSet(index uint16, sub uint8, length uint32) ODR {
	entry := od.entries[index]
	if entry == nil {
		return ErrIdxNotExist
	}
	v, err := entry.variable(sub)
	if err != ErrOK {
		return err
	}
	if !isVariableLength(v.DataType) {
		return ErrOK
	}
	if length > uint32(len(v.data)) {
		return ErrDataLong
	}
	v.actualLength = length
	return ErrOK
}

// Write stores data at offset within the object, growing actualLength
// for variable-length types as needed. firstSegment marks the start of a
// new write (expedited download, or the first segment of a segmented
// one): for variable-length types it resets actualLength to zero before
// the write lands, matching the write-entry rule in spec.md 4.2.
func (od *ObjectDictionary) Write(index uint16, sub uint8, offset uint32, data []byte, firstSegment bool) ODR {
	entry := od.entries[index]
	if entry == nil {
		return ErrIdxNotExist
	}
	v, err := entry.variable(sub)
	if err != ErrOK {
		return err
	}
	if v.Attribute&AttrWrite == 0 {
		return ErrReadOnly
	}
	if v.Attribute&AttrConst != 0 {
		return ErrReadOnly
	}
	if offset+uint32(len(data)) > uint32(len(v.data)) {
		return ErrDataLong
	}
	if firstSegment && isVariableLength(v.DataType) {
		v.actualLength = 0
	}
	copy(v.data[offset:], data)
	if isVariableLength(v.DataType) {
		end := offset + uint32(len(data))
		if end > v.actualLength {
			v.actualLength = end
		}
	}
	return ErrOK
}

// WriteAccess implements the write-permission predicate: global
// write-access must be enabled, the object must not be exclusively
// locked by a different transfer (unless firstSegment opens a new
// segmented download), and either the node is
// pre-operational or the object belongs to the always-writable set.
// For shared objects every member of the group must independently pass.
func (od *ObjectDictionary) WriteAccess(index uint16, sub uint8, preOperational bool, firstSegment bool) bool {
	if !od.writeAccess {
		return false
	}
	if od.locked && (od.lockedIndex != index) && !firstSegment {
		return false
	}
	entry := od.entries[index]
	if entry == nil {
		return false
	}
	if entry.shared != nil {
		for _, member := range entry.shared.members {
			if !member.satisfiesDeviceStateGate(sub, preOperational) {
				return false
			}
		}
		return true
	}
	return entry.satisfiesDeviceStateGate(sub, preOperational)
}

func (e *Entry) satisfiesDeviceStateGate(sub uint8, preOperational bool) bool {
	if preOperational {
		return true
	}
	v, ok := e.Variables[sub]
	if !ok {
		return false
	}
	return v.Attribute&AttrAlways != 0
}

// SetWriteAccess enables or disables writes globally.
func (od *ObjectDictionary) SetWriteAccess(enabled bool) {
	od.writeAccess = enabled
}

// Lock exclusively reserves index for one in-progress segmented
// transfer. It fails if another index is already locked.
func (od *ObjectDictionary) Lock(index uint16) ODR {
	if od.locked && od.lockedIndex != index {
		return ErrLocked
	}
	od.locked = true
	od.lockedIndex = index
	return ErrOK
}

// Unlock releases the lock unconditionally.
func (od *ObjectDictionary) Unlock() {
	od.locked = false
}

// IsLocked reports whether index currently holds the lock.
func (od *ObjectDictionary) IsLocked(index uint16) bool {
	return od.locked && od.lockedIndex == index
}
