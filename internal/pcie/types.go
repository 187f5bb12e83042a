package pcie

// Tick counts pipeline clock cycles since reset.
type Tick uint64

// NoTick marks an error not tied to a specific cycle.
const NoTick Tick = ^Tick(0)

// General library return and error codes

// Err represents library error return type
type Err uint32

const (
	OK                 Err = 0
	ErrFail            Err = 1
	ErrNotInit         Err = 2
	ErrInvalidParamVal Err = 3
	ErrStreamRatio     Err = 4
	ErrBufferDepth     Err = 5
	ErrCapChain        Err = 6
	ErrFIFOOverflow    Err = 7
	ErrRetryBufferFull Err = 8
	ErrNoCredits       Err = 9
	ErrBadTS           Err = 10
	ErrBadDLLP         Err = 11
	ErrBadLCRC         Err = 12
	ErrSeqGap          Err = 13
	ErrMalformedTLP    Err = 14
	ErrUnsupportedReq  Err = 15
	ErrProfileParse    Err = 16
	ErrLinkDown        Err = 17
	ErrLast            Err = 18
)

// ErrSeverity used to indicate the severity of an error or logger verbosity
type ErrSeverity uint32

const (
	ErrSevNone  ErrSeverity = 0
	ErrSevError ErrSeverity = 1
	ErrSevWarn  ErrSeverity = 2
	ErrSevInfo  ErrSeverity = 3
)
