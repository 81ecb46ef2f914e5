package ftp

// FTP reply codes used by the bridge, per the conventional families:
// 1xx preliminary, 2xx success, 3xx intermediate, 4xx transient error,
// 5xx permanent error.
const (
	StatusTransferStarting   = 150
	StatusOK                 = 200
	StatusSystem             = 211
	StatusName               = 215
	StatusReady              = 220
	StatusClosing            = 221
	StatusTransferDone       = 226
	StatusEnteringPASV       = 227
	StatusEnteringEPSV       = 229
	StatusLoggedIn           = 230
	StatusFileOK             = 250
	StatusPathCreated        = 257
	StatusNeedPassword       = 331
	StatusServiceUnavailable = 421
	StatusCannotOpenDataConn = 425
	StatusTransferAborted    = 426
	StatusLocalError         = 451
	StatusInsufficientSpace  = 452
	StatusSyntaxError        = 500
	StatusSyntaxErrorArgs    = 501
	StatusNotImplemented     = 502
	StatusBadSequence        = 503
	StatusNotImplementedParm = 504
	StatusNotLoggedIn        = 530
	StatusActionNotTaken     = 550
	StatusExceededAllocation = 552
)
