package server

import (
	"time"

	"github.com/dubu/turbo-nfc/buildinfo"
)

// mDNS advertisement.
var (
	MDNSServiceType = "_turbo-nfc._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

const (
	APIPrefix = "/api/v1"
	WSPath    = "/ws"
)

const (
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Authorization, Content-Type"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 << 10
	wsSendBuffer     = 32

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second

	// Handshake attempts allowed per client address.
	handshakeRate  = 1 // per second
	handshakeBurst = 5

	// limiterIdleTTL must cover a full burst refill.
	limiterIdleTTL = time.Minute
)
