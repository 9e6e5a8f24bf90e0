// Package types defines the core data structures shared across vdisk's
// packages: cluster addressing, SCO/TLog identity, volume configuration,
// ownership, and the error taxonomy used at the RPC boundary.
package types

import (
	"fmt"
	"time"
)

// ClusterAddress is a cluster-aligned logical address inside a volume.
type ClusterAddress uint64

// CloneGeneration distinguishes SCO number-spaces across a clone chain so
// that a clone's SCOs never collide with its parent's.
type CloneGeneration uint8

// SCONumber is a monotonically assigned identifier for a Storage Container
// Object, unique within a (namespace, CloneGeneration) pair.
type SCONumber uint64

// ContentHash is a strong (256-bit) hash of cluster contents, the key for
// content-based read caching and the authority used to detect corruption
// on read-back.
type ContentHash [32]byte

// String renders the hash as hex for logging.
func (h ContentHash) String() string {
	return fmt.Sprintf("%x", [32]byte(h))
}

// IsZero reports whether the hash is the unset value.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// ClusterLocation locates a cluster inside some SCO: (sco_number,
// clone_generation, offset_in_sco). The zero value denotes an unwritten
// cluster.
type ClusterLocation struct {
	SCONumber       SCONumber
	CloneGeneration CloneGeneration
	Offset          uint32 // cluster index within the SCO
}

// IsZero reports whether this is the distinguished "unwritten cluster"
// location.
func (l ClusterLocation) IsZero() bool {
	return l == ClusterLocation{}
}

// ClusterLocationAndHash pairs a ClusterLocation with the content hash of
// the data stored there.
type ClusterLocationAndHash struct {
	Location ClusterLocation
	Hash     ContentHash
}

// IsZero reports whether this entry represents an unwritten cluster.
func (clh ClusterLocationAndHash) IsZero() bool {
	return clh.Location.IsZero()
}

// OwnerTag is a monotonically increasing ownership generation for a
// volume. A higher tag always fences out writers holding a lower one.
type OwnerTag uint64

// Less reports whether t is strictly older than other.
func (t OwnerTag) Less(other OwnerTag) bool { return t < other }

// VolumeRole describes what kind of volume this is.
type VolumeRole string

const (
	RoleNormal      VolumeRole = "Normal"
	RoleBase        VolumeRole = "Base"
	RoleIncremental VolumeRole = "Incremental"
	// RoleWriteOnly volumes never serve reads; the read path rejects them
	// with InvalidOperation. Modeled after the original source's
	// WriteOnlyVolume, dropped from the distilled spec but reintroduced
	// here as a fourth role (see SPEC_FULL.md §6).
	RoleWriteOnly VolumeRole = "WriteOnly"
)

// DtlMode selects how the DTL client acknowledges writes.
type DtlMode string

const (
	DtlAsynchronous DtlMode = "Asynchronous"
	DtlSynchronous  DtlMode = "Synchronous"
)

// DtlState is the current state of a volume's relationship with its DTL.
type DtlState string

const (
	DtlStandalone DtlState = "Standalone"
	DtlOk         DtlState = "Ok"
	DtlDegraded   DtlState = "Degraded"
	DtlKetchup    DtlState = "Ketchup"
)

// DtlPolicy configures whether and how a volume's DTL is provisioned.
type DtlPolicy string

const (
	DtlPolicyManual    DtlPolicy = "Manual"
	DtlPolicyAutomatic DtlPolicy = "Automatic"
	DtlPolicyDisabled  DtlPolicy = "Disabled"
)

// DtlConfig names the peer hosting a volume's DTL and the acknowledgement
// mode to use against it.
type DtlConfig struct {
	Host string
	Port int
	Mode DtlMode
}

// ClusterCacheMode selects the Cluster Cache's keying scheme.
type ClusterCacheMode string

const (
	ClusterCacheContentBased  ClusterCacheMode = "ContentBased"
	ClusterCacheLocationBased ClusterCacheMode = "LocationBased"
)

// ClusterCacheBehaviour selects when the Cluster Cache is populated.
type ClusterCacheBehaviour string

const (
	CacheBehaviourNoCache      ClusterCacheBehaviour = "NoCache"
	CacheBehaviourCacheOnRead  ClusterCacheBehaviour = "CacheOnRead"
	CacheBehaviourCacheOnWrite ClusterCacheBehaviour = "CacheOnWrite"
)

// CacheHandle namespaces Cluster Cache entries. Handle 0 is the shared
// content-based namespace.
type CacheHandle uint64

// SharedCacheHandle is the distinguished content-based namespace.
const SharedCacheHandle CacheHandle = 0

// VolumeConfiguration is the immutable-at-restart descriptor for a volume.
type VolumeConfiguration struct {
	ID                string
	BackendNamespace  string
	LBASize           uint32 // bytes per logical block
	ClusterMultiplier uint32 // cluster_size = lba_size * cluster_multiplier
	SCOMultiplier     uint32 // clusters per SCO
	TLogMultiplier    uint32 // SCOs per TLog (scos_per_tlog)
	ParentNamespace   string // "" if no parent
	ParentSnapshot    string // "" if no parent
	Role              VolumeRole
	OwnerTag          OwnerTag
	MetadataCacheSize int
	ClusterCacheMode  ClusterCacheMode
	ClusterCacheBehaviour ClusterCacheBehaviour
	ClusterCacheLimit int
	MaxVolumeSize     uint64
}

// ClusterSize returns cluster_size = lba_size * cluster_multiplier.
func (c VolumeConfiguration) ClusterSize() uint64 {
	return uint64(c.LBASize) * uint64(c.ClusterMultiplier)
}

// SCOSize returns sco_size = cluster_size * sco_multiplier.
func (c VolumeConfiguration) SCOSize() uint64 {
	return c.ClusterSize() * uint64(c.SCOMultiplier)
}

// MaxTLogEntries returns scos_per_tlog * sco_multiplier, the entry count
// at which a TLog is sealed.
func (c VolumeConfiguration) MaxTLogEntries() uint64 {
	return uint64(c.TLogMultiplier) * uint64(c.SCOMultiplier)
}

// HasParent reports whether this volume is a clone.
func (c VolumeConfiguration) HasParent() bool {
	return c.ParentNamespace != "" && c.ParentSnapshot != ""
}

// TLogID uniquely identifies a TLog within a volume namespace.
type TLogID string

// FileName returns the deterministic backend object name for this TLog.
func (id TLogID) FileName() string {
	return "tlog_" + string(id)
}

// RecordKind discriminates TLog record types.
type RecordKind uint8

const (
	RecordLocation RecordKind = iota + 1
	RecordSCOCRC
	RecordTLogCRC
	RecordSync
)

// Snapshot is a named, ordered cut in a volume's TLog chain.
type Snapshot struct {
	UUID         string
	Name         string
	CreatedAt    time.Time
	Metadata     map[string]string
	TLogs        []TLogID
	DurableTLogs []TLogID
	BackendSize  uint64
	InBackend    bool
	Tombstoned   bool
}

// ObjectType discriminates what an ObjectRegistration names.
type ObjectType string

const (
	ObjectVolume   ObjectType = "Volume"
	ObjectTemplate ObjectType = "Template"
	ObjectFile     ObjectType = "File"
)

// NodeStatus is the Coordinator's view of a cluster node's reachability.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "Online"
	NodeOffline NodeStatus = "Offline"
)

// ObjectRegistration records who currently owns an object.
type ObjectRegistration struct {
	ObjectID  string
	Type      ObjectType
	ParentID  string
	Namespace string
	OwnerNode string
	OwnerTag  OwnerTag
	DtlPolicy DtlPolicy
	DtlHost   string
	DtlPort   int
}

// RedirectInfo is returned by the router/management surface when the
// caller contacted the wrong node.
type RedirectInfo struct {
	Host string
	Port int
}

// VolumeState is a node in the spec's snapshot/clone state machine.
type VolumeState string

const (
	StateRunning                  VolumeState = "Running"
	StateCreatingSnapshot         VolumeState = "CreatingSnapshot"
	StateSnapshotPendingInBackend VolumeState = "SnapshotPendingInBackend"
	StateRestoring                VolumeState = "Restoring"
	StateCloning                  VolumeState = "Cloning"
	StateHalted                   VolumeState = "Halted"
)

// ErrorCode is the normalised error taxonomy carried across the
// management/router surface (spec.md §6).
type ErrorCode string

const (
	ErrObjectNotFound               ErrorCode = "ObjectNotFound"
	ErrInvalidOperation             ErrorCode = "InvalidOperation"
	ErrSnapshotNotFound             ErrorCode = "SnapshotNotFound"
	ErrSnapshotNameAlreadyExists    ErrorCode = "SnapshotNameAlreadyExists"
	ErrFileExists                   ErrorCode = "FileExists"
	ErrInsufficientResources        ErrorCode = "InsufficientResources"
	ErrPreviousSnapshotNotOnBackend ErrorCode = "PreviousSnapshotNotOnBackend"
	ErrObjectStillHasChildren       ErrorCode = "ObjectStillHasChildren"
	ErrRemoteTimeout                ErrorCode = "RemoteTimeoutException"
	ErrRequestTimeout               ErrorCode = "RequestTimeoutException"
	ErrObjectNotRunningHere         ErrorCode = "ObjectNotRunningHere"
)

// Error is a normalised error carrying one of the codes above, or an
// opaque message for codes this engine did not originate.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a normalised Error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DestroyOptions parameterises volume destruction (spec.md §9 open
// question: delete_volume_namespace vs remove_volume_completely are
// consolidated here).
type DestroyOptions struct {
	DeleteLocalData  bool
	RemoveCompletely bool
	Force            bool
}
