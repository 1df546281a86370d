package main

import _ "embed"

// Tray icons, 22x22 PNG.
var (
	//go:embed assets/idle.png
	iconData []byte

	//go:embed assets/connected.png
	iconDataConnected []byte

	//go:embed assets/scanning.png
	iconDataScanning []byte

	//go:embed assets/error.png
	iconDataError []byte

	//go:embed assets/stopped.png
	iconDataStopped []byte
)
