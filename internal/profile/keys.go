package profile

const (
	DeviceSectionName = "device"
	VendorIDKey       = "vendor_id"
	DeviceIDKey       = "device_id"
	SubsysVendorKey   = "subsystem_vendor_id"
	SubsysIDKey       = "subsystem_id"
	ClassCodeKey      = "class_code"
	RevisionKey       = "revision"
	MaxPayloadKey     = "max_payload"
	PowerMgmtKey      = "power_management"
	BARKeyPrefix      = "bar"

	LinkSectionName      = "link"
	NameKey              = "name"
	RoleKey              = "role"
	LinkNumberKey        = "link_number"
	NFTSKey              = "n_fts"
	MaxSpeedKey          = "max_speed"
	DisableScramblingKey = "disable_scrambling"
	TicksPerMsKey        = "ticks_per_ms"
	SymbolsPerTickKey    = "symbols_per_tick"

	DLLSectionName      = "dll"
	RetrySlotsKey       = "retry_slots"
	RetryDepthKey       = "retry_depth"
	ReplayTimeoutKey    = "replay_timeout"
	UpdateFCIntervalKey = "update_fc_interval"
	PHKey               = "ph"
	PDKey               = "pd"
	NPHKey              = "nph"
	NPDKey              = "npd"
	CplHKey             = "cplh"
	CplDKey             = "cpld"
)
