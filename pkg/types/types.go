// Package types holds the data model entities shared across the persistency
// core: the typed-value tagged union, KVS/FileStorage entries, replica
// status records, and the per-instance metadata record.
package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/lapcore/persistency/pkg/errors"
)

// Tag identifies the variant held by a TypedValue. Values are fixed 0..11 in
// this exact order because they are used in on-disk and on-wire encodings
// (the single-character prefix scheme is 'a'+Tag).
type Tag int

const (
	TagInt8 Tag = iota
	TagUInt8
	TagInt16
	TagUInt16
	TagInt32
	TagUInt32
	TagInt64
	TagUInt64
	TagBool
	TagFloat32
	TagFloat64
	TagString
)

// String returns the tag's name.
func (t Tag) String() string {
	switch t {
	case TagInt8:
		return "Int8"
	case TagUInt8:
		return "UInt8"
	case TagInt16:
		return "Int16"
	case TagUInt16:
		return "UInt16"
	case TagInt32:
		return "Int32"
	case TagUInt32:
		return "UInt32"
	case TagInt64:
		return "Int64"
	case TagUInt64:
		return "UInt64"
	case TagBool:
		return "Bool"
	case TagFloat32:
		return "Float32"
	case TagFloat64:
		return "Float64"
	case TagString:
		return "String"
	default:
		return "Unknown"
	}
}

// Char returns the single-character on-disk/on-wire prefix for the tag:
// 'a'+tag_index, so 'a' is Int8 through 'l' is String.
func (t Tag) Char() byte {
	return byte('a') + byte(t)
}

// TagFromChar inverts Tag.Char, returning ok=false for any byte outside the
// 'a'..'l' range.
func TagFromChar(c byte) (Tag, bool) {
	if c < 'a' || c > 'l' {
		return 0, false
	}
	return Tag(c - 'a'), true
}

// TypedValue is a 12-variant tagged union over the primitive types named in
// §3 of the spec. Exactly one of the typed fields is meaningful, selected by
// Tag. Construct with the New* helpers rather than the struct literal.
type TypedValue struct {
	tag Tag

	i8  int8
	u8  uint8
	i16 int16
	u16 uint16
	i32 int32
	u32 uint32
	i64 int64
	u64 uint64
	b   bool
	f32 float32
	f64 float64
	str string
}

func NewInt8(v int8) TypedValue     { return TypedValue{tag: TagInt8, i8: v} }
func NewUInt8(v uint8) TypedValue   { return TypedValue{tag: TagUInt8, u8: v} }
func NewInt16(v int16) TypedValue   { return TypedValue{tag: TagInt16, i16: v} }
func NewUInt16(v uint16) TypedValue { return TypedValue{tag: TagUInt16, u16: v} }
func NewInt32(v int32) TypedValue   { return TypedValue{tag: TagInt32, i32: v} }
func NewUInt32(v uint32) TypedValue { return TypedValue{tag: TagUInt32, u32: v} }
func NewInt64(v int64) TypedValue   { return TypedValue{tag: TagInt64, i64: v} }
func NewUInt64(v uint64) TypedValue { return TypedValue{tag: TagUInt64, u64: v} }
func NewBool(v bool) TypedValue     { return TypedValue{tag: TagBool, b: v} }
func NewFloat32(v float32) TypedValue { return TypedValue{tag: TagFloat32, f32: v} }
func NewFloat64(v float64) TypedValue { return TypedValue{tag: TagFloat64, f64: v} }
func NewString(v string) TypedValue { return TypedValue{tag: TagString, str: v} }

// Tag returns the variant currently held.
func (v TypedValue) Tag() Tag { return v.tag }

// Int8/UInt8/... each return the held value and ok=false if the tag doesn't match.
func (v TypedValue) Int8() (int8, bool)     { return v.i8, v.tag == TagInt8 }
func (v TypedValue) UInt8() (uint8, bool)   { return v.u8, v.tag == TagUInt8 }
func (v TypedValue) Int16() (int16, bool)   { return v.i16, v.tag == TagInt16 }
func (v TypedValue) UInt16() (uint16, bool) { return v.u16, v.tag == TagUInt16 }
func (v TypedValue) Int32() (int32, bool)   { return v.i32, v.tag == TagInt32 }
func (v TypedValue) UInt32() (uint32, bool) { return v.u32, v.tag == TagUInt32 }
func (v TypedValue) Int64() (int64, bool)   { return v.i64, v.tag == TagInt64 }
func (v TypedValue) UInt64() (uint64, bool) { return v.u64, v.tag == TagUInt64 }
func (v TypedValue) Bool() (bool, bool)     { return v.b, v.tag == TagBool }
func (v TypedValue) Float32() (float32, bool) { return v.f32, v.tag == TagFloat32 }
func (v TypedValue) Float64() (float64, bool) { return v.f64, v.tag == TagFloat64 }
func (v TypedValue) String() (string, bool) { return v.str, v.tag == TagString }

// Equal reports tag-preserving equality: two values compare equal only if
// both their tag and underlying value match.
func (v TypedValue) Equal(o TypedValue) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case TagInt8:
		return v.i8 == o.i8
	case TagUInt8:
		return v.u8 == o.u8
	case TagInt16:
		return v.i16 == o.i16
	case TagUInt16:
		return v.u16 == o.u16
	case TagInt32:
		return v.i32 == o.i32
	case TagUInt32:
		return v.u32 == o.u32
	case TagInt64:
		return v.i64 == o.i64
	case TagUInt64:
		return v.u64 == o.u64
	case TagBool:
		return v.b == o.b
	case TagFloat32:
		return v.f32 == o.f32
	case TagFloat64:
		return v.f64 == o.f64
	case TagString:
		return v.str == o.str
	default:
		return false
	}
}

// rawText renders the value's raw text, without display quoting, used both
// by ToDisplay (after quoting strings) and by backend canonical encoders.
func (v TypedValue) rawText() string {
	switch v.tag {
	case TagInt8:
		return strconv.FormatInt(int64(v.i8), 10)
	case TagUInt8:
		return strconv.FormatUint(uint64(v.u8), 10)
	case TagInt16:
		return strconv.FormatInt(int64(v.i16), 10)
	case TagUInt16:
		return strconv.FormatUint(uint64(v.u16), 10)
	case TagInt32:
		return strconv.FormatInt(int64(v.i32), 10)
	case TagUInt32:
		return strconv.FormatUint(uint64(v.u32), 10)
	case TagInt64:
		return strconv.FormatInt(v.i64, 10)
	case TagUInt64:
		return strconv.FormatUint(v.u64, 10)
	case TagBool:
		if v.b {
			return "true"
		}
		return "false"
	case TagFloat32:
		return strconv.FormatFloat(float64(v.f32), 'g', -1, 32)
	case TagFloat64:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case TagString:
		return v.str
	default:
		return ""
	}
}

// RawText exposes rawText to backend encoders (§4.5/§4.6 canonical encoding).
func (v TypedValue) RawText() string { return v.rawText() }

// ToDisplay renders a human-readable form: strings double-quoted, booleans
// as "true"/"false", floats at full round-trip precision. Not a contract for
// on-disk bytes — backends use their own canonical encodings.
func ToDisplay(v TypedValue) string {
	if v.tag == TagString {
		return strconv.Quote(v.str)
	}
	return v.rawText()
}

// ParseAs parses the raw text portion into the variant named by tag,
// returning WrongDataType on any parse failure.
func ParseAs(s string, tag Tag) (TypedValue, error) {
	fail := func() (TypedValue, error) {
		return TypedValue{}, errors.Newf(errors.WrongDataType,
			"cannot parse %q as %s", s, tag).WithComponent("types")
	}
	switch tag {
	case TagInt8:
		n, err := strconv.ParseInt(s, 10, 8)
		if err != nil {
			return fail()
		}
		return NewInt8(int8(n)), nil
	case TagUInt8:
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return fail()
		}
		return NewUInt8(uint8(n)), nil
	case TagInt16:
		n, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return fail()
		}
		return NewInt16(int16(n)), nil
	case TagUInt16:
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return fail()
		}
		return NewUInt16(uint16(n)), nil
	case TagInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return fail()
		}
		return NewInt32(int32(n)), nil
	case TagUInt32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fail()
		}
		return NewUInt32(uint32(n)), nil
	case TagInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fail()
		}
		return NewInt64(n), nil
	case TagUInt64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fail()
		}
		return NewUInt64(n), nil
	case TagBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fail()
		}
		return NewBool(b), nil
	case TagFloat32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return fail()
		}
		return NewFloat32(float32(f)), nil
	case TagFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fail()
		}
		return NewFloat64(f), nil
	case TagString:
		return NewString(s), nil
	default:
		return fail()
	}
}

// ToDisplayWithoutQuotes strips the surrounding quotes ParseAs round-trips
// against (used by the §8 round-trip property test which parses the
// unquoted text back through ParseAs).
func ToDisplayWithoutQuotes(v TypedValue) string {
	if v.tag == TagString {
		return v.str
	}
	return ToDisplay(v)
}

// KvsEntry is the logical (key, value) pair held by a KVS instance.
type KvsEntry struct {
	Key   string
	Value TypedValue
}

// Category names one of FileStorage's four directory categories.
type Category string

const (
	CategoryCurrent Category = "current"
	CategoryBackup  Category = "backup"
	CategoryInitial Category = "initial"
	CategoryUpdate  Category = "update"
)

// FileEntry is the logical (file_name, bytes) pair living inside one
// Category. The same logical name may exist in several categories
// simultaneously; only current is served to readers.
type FileEntry struct {
	Name     string
	Bytes    []byte
	Category Category
}

// FileURI is the structured location descriptor returned by the FileStorage
// backend's uri() operation.
type FileURI struct {
	Base     string
	Category Category
	Name     string
}

// Provenance records why a FileStorage facade entry holds its current
// bytes: written directly by the application, restored from backup, or
// reset from the initial category.
type Provenance int

const (
	ProvenanceWrite Provenance = iota
	ProvenanceRestore
	ProvenanceReset
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceWrite:
		return "write"
	case ProvenanceRestore:
		return "restore"
	case ProvenanceReset:
		return "reset"
	default:
		return "unknown"
	}
}

// FileInfo is the per-entry context the FileStorage facade keeps for every
// opened file.
type FileInfo struct {
	Name         string
	Size         int64
	CreatedAt    time.Time
	ModifiedAt   time.Time
	AccessedAt   time.Time
	Provenance   Provenance
	ChecksumType string
	Checksum     string
	Open         bool
}

// ReplicaStatus reports one physical replica's observed state, as returned
// by the replica manager's status check.
type ReplicaStatus struct {
	Index    int
	Path     string
	Exists   bool
	Valid    bool
	Checksum string
	Size     int64
	ModTime  time.Time
}

// StorageState is the FileStorageMetadata lifecycle state.
type StorageState int

const (
	StateNormal StorageState = iota
	StateUpdating
	StateRollingBack
	StateCorrupted
	StateRecovering
)

func (s StorageState) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateUpdating:
		return "Updating"
	case StateRollingBack:
		return "RollingBack"
	case StateCorrupted:
		return "Corrupted"
	case StateRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// BackupDescriptor is the embedded backup record inside FileStorageMetadata.
type BackupDescriptor struct {
	Exists       bool
	Version      string
	CreationTime time.Time
}

// FileStorageMetadata is the per-instance persistent record, serialised
// whole-file under {storage}/.metadata/storage_info.json.
type FileStorageMetadata struct {
	ContractVersion   string
	DeploymentVersion string
	ManifestVersion   string
	StorageURI        string
	MinSustainedSize  uint64
	MaxAllowedSize    uint64
	State             StorageState
	ReplicaCount      int
	MinValidReplicas  int
	ChecksumType      string
	CreatedAt         time.Time
	ModifiedAt        time.Time
	Backup            BackupDescriptor
}

// NormalizeInstanceSpecifier strips a leading path separator from an
// instance specifier.
func NormalizeInstanceSpecifier(inst string) string {
	return strings.TrimLeft(inst, "/\\")
}
