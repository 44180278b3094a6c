package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888

	FailedToLaunch         = 3000
	FailedToControl        = 3002
	UnableToDisplayThreads = 2003
	UnableToProduceFrames  = 2004
	UnableToListRegisters  = 2005
	UnableToLookupVariable = 2008
)
